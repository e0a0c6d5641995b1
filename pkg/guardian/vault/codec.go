package vault

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/TFMV/guardian/pkg/guardian/threat"
)

// Snapshot metadata keys carried on the Arrow schema
const (
	metaSnapshotID = "guardian.snapshot_id"
	metaTakenAt    = "guardian.taken_at"
	metaState      = "guardian.state"
	metaThreat     = "guardian.threat_level"
	metaEmergency  = "guardian.emergency_mode"
	metaMetrics    = "guardian.metrics"
)

var historyFields = []arrow.Field{
	{Name: "threat_type", Type: arrow.BinaryTypes.String},
	{Name: "severity", Type: arrow.PrimitiveTypes.Int32},
	{Name: "description", Type: arrow.BinaryTypes.String},
	{Name: "source", Type: arrow.BinaryTypes.String},
	{Name: "timestamp", Type: arrow.PrimitiveTypes.Int64},
	{Name: "confidence", Type: arrow.PrimitiveTypes.Float64},
	{Name: "affected_systems", Type: arrow.ListOf(arrow.BinaryTypes.String)},
}

// EncodeSnapshot writes the snapshot as a single-batch Arrow IPC stream. The
// threat history is the record batch; the remaining fields travel as schema
// metadata.
func EncodeSnapshot(snap threat.Snapshot) ([]byte, error) {
	metricsJSON, err := json.Marshal(snap.Metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metrics: %w", err)
	}

	md := arrow.NewMetadata(
		[]string{metaSnapshotID, metaTakenAt, metaState, metaThreat, metaEmergency, metaMetrics},
		[]string{
			snap.ID,
			snap.TakenAt.UTC().Format(time.RFC3339Nano),
			snap.State.String(),
			snap.ThreatLevel.String(),
			strconv.FormatBool(snap.EmergencyMode),
			string(metricsJSON),
		},
	)
	schema := arrow.NewSchema(historyFields, &md)

	mem := memory.NewGoAllocator()
	builder := array.NewRecordBuilder(mem, schema)
	defer builder.Release()

	types := builder.Field(0).(*array.StringBuilder)
	severities := builder.Field(1).(*array.Int32Builder)
	descriptions := builder.Field(2).(*array.StringBuilder)
	sources := builder.Field(3).(*array.StringBuilder)
	timestamps := builder.Field(4).(*array.Int64Builder)
	confidences := builder.Field(5).(*array.Float64Builder)
	affected := builder.Field(6).(*array.ListBuilder)
	affectedValues := affected.ValueBuilder().(*array.StringBuilder)

	for _, signal := range snap.History {
		types.Append(string(signal.Type))
		severities.Append(int32(signal.Severity))
		descriptions.Append(signal.Description)
		sources.Append(signal.Source)
		timestamps.Append(signal.Timestamp)
		confidences.Append(signal.Confidence)
		affected.Append(true)
		for _, system := range signal.AffectedSystems {
			affectedValues.Append(system)
		}
	}

	record := builder.NewRecord()
	defer record.Release()

	var buf bytes.Buffer
	writer := ipc.NewWriter(&buf, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	if err := writer.Write(record); err != nil {
		return nil, fmt.Errorf("failed to write snapshot batch: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close snapshot stream: %w", err)
	}

	return buf.Bytes(), nil
}

// DecodeSnapshot reads a stream written by EncodeSnapshot
func DecodeSnapshot(data []byte) (threat.Snapshot, error) {
	var snap threat.Snapshot

	reader, err := ipc.NewReader(bytes.NewReader(data), ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return snap, fmt.Errorf("failed to open snapshot stream: %w", err)
	}
	defer reader.Release()

	if err := decodeMetadata(reader.Schema().Metadata(), &snap); err != nil {
		return snap, err
	}

	for reader.Next() {
		record := reader.Record()
		if int(record.NumCols()) != len(historyFields) {
			return snap, fmt.Errorf("unexpected snapshot column count %d", record.NumCols())
		}

		types := record.Column(0).(*array.String)
		severities := record.Column(1).(*array.Int32)
		descriptions := record.Column(2).(*array.String)
		sources := record.Column(3).(*array.String)
		timestamps := record.Column(4).(*array.Int64)
		confidences := record.Column(5).(*array.Float64)
		affected := record.Column(6).(*array.List)
		affectedValues := affected.ListValues().(*array.String)

		for row := 0; row < int(record.NumRows()); row++ {
			signal := threat.ThreatSignal{
				Type:        threat.ThreatType(types.Value(row)),
				Severity:    threat.ThreatLevel(severities.Value(row)),
				Description: descriptions.Value(row),
				Source:      sources.Value(row),
				Timestamp:   timestamps.Value(row),
				Confidence:  confidences.Value(row),
			}
			start, end := affected.ValueOffsets(row)
			for i := start; i < end; i++ {
				signal.AffectedSystems = append(signal.AffectedSystems, affectedValues.Value(int(i)))
			}
			snap.History = append(snap.History, signal)
		}
	}
	if err := reader.Err(); err != nil {
		return snap, fmt.Errorf("failed to read snapshot batch: %w", err)
	}

	return snap, nil
}

func decodeMetadata(md arrow.Metadata, snap *threat.Snapshot) error {
	value := func(key string) (string, error) {
		idx := md.FindKey(key)
		if idx < 0 {
			return "", fmt.Errorf("snapshot metadata missing %s", key)
		}
		return md.Values()[idx], nil
	}

	var err error
	if snap.ID, err = value(metaSnapshotID); err != nil {
		return err
	}

	takenAt, err := value(metaTakenAt)
	if err != nil {
		return err
	}
	if snap.TakenAt, err = time.Parse(time.RFC3339Nano, takenAt); err != nil {
		return fmt.Errorf("invalid snapshot time: %w", err)
	}

	state, err := value(metaState)
	if err != nil {
		return err
	}
	if err := snap.State.UnmarshalText([]byte(state)); err != nil {
		return err
	}

	level, err := value(metaThreat)
	if err != nil {
		return err
	}
	if snap.ThreatLevel, err = threat.ParseThreatLevel(level); err != nil {
		return err
	}

	emergency, err := value(metaEmergency)
	if err != nil {
		return err
	}
	if snap.EmergencyMode, err = strconv.ParseBool(emergency); err != nil {
		return fmt.Errorf("invalid emergency flag: %w", err)
	}

	metricsJSON, err := value(metaMetrics)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(metricsJSON), &snap.Metrics); err != nil {
		return fmt.Errorf("invalid snapshot metrics: %w", err)
	}

	return nil
}
