package ctl

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/TFMV/guardian/pkg/guardian/threat"
)

func (rt *runtimeState) printJSON(v any) error {
	enc := json.NewEncoder(rt.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (rt *runtimeState) printStatus(report threat.StatusReport) error {
	if rt.outputFormat != "text" {
		return rt.printJSON(report)
	}

	w := tabwriter.NewWriter(rt.writer, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "State:\t%s\n", report.State)
	fmt.Fprintf(w, "Threat level:\t%s\n", report.ThreatLevel)
	fmt.Fprintf(w, "Emergency mode:\t%t\n", report.EmergencyMode)
	fmt.Fprintf(w, "Uptime:\t%s\n", report.Uptime)
	fmt.Fprintf(w, "Network health:\t%.2f%%\n", report.Metrics.NetworkHealth*100)
	fmt.Fprintf(w, "Consensus strength:\t%.2f%%\n", report.Metrics.ConsensusStrength*100)
	fmt.Fprintf(w, "Blockchain integrity:\t%.4f%%\n", report.Metrics.BlockchainIntegrity*100)
	fmt.Fprintf(w, "Active validators:\t%d\n", report.Metrics.ActiveValidators)
	fmt.Fprintf(w, "Lunar vault:\t%t\n", report.VaultActive)
	fmt.Fprintf(w, "Satellite backup:\t%t\n", report.SatelliteBackup)
	fmt.Fprintf(w, "Replicas:\t%d\n", report.ReplicaCount)
	if report.LastSync > 0 {
		fmt.Fprintf(w, "Last sync:\t%s\n", time.Unix(report.LastSync, 0).UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(w, "Master key:\t%s\n", report.MaskedKey)
	fmt.Fprintf(w, "Threat history:\t%d\n", report.HistoryCount)
	if report.LastFailure != nil {
		fmt.Fprintf(w, "Last failure:\t%s/%s: %s\n", report.LastFailure.Sequence, report.LastFailure.Phase, report.LastFailure.Error)
	}
	if p := report.Posture; p != nil {
		for _, ch := range slices.Sorted(maps.Keys(p.Gates)) {
			fmt.Fprintf(w, "Gate %s:\t%s\n", ch, p.Gates[ch])
		}
		if len(p.IsolatedNodes) > 0 {
			fmt.Fprintf(w, "Isolated nodes:\t%s\n", strings.Join(p.IsolatedNodes, ", "))
		}
		fmt.Fprintf(w, "Critical only:\t%t\n", p.CriticalOnly)
		fmt.Fprintf(w, "Supermajority:\t%t\n", p.Supermajority)
		if p.ConsensusMode != "" {
			fmt.Fprintf(w, "Consensus mode:\t%s\n", p.ConsensusMode)
		}
		if p.KeyID != "" {
			fmt.Fprintf(w, "Key:\t%s (%s)\n", p.KeyID, p.KeyAlgorithm)
		}
		if p.SnapshotID != "" {
			fmt.Fprintf(w, "Latest snapshot:\t%s (%d copies)\n", p.SnapshotID, p.SnapshotCopies)
		}
		fmt.Fprintf(w, "Operations paused:\t%t\n", p.OperationsPaused)
	}
	return w.Flush()
}

func (rt *runtimeState) printHistory(history []threat.ThreatSignal) error {
	if rt.outputFormat != "text" {
		if history == nil {
			history = []threat.ThreatSignal{}
		}
		return rt.printJSON(history)
	}

	w := tabwriter.NewWriter(rt.writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tTYPE\tSEVERITY\tCONFIDENCE\tSOURCE")
	for _, s := range history {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%s\n",
			s.Time().UTC().Format(time.RFC3339), s.Type, s.Severity, s.Confidence, s.Source)
	}
	return w.Flush()
}
