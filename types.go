package fieldsync

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/geofield/fieldsync/internal/couch"
)

// RecordType classifies a field record.
type RecordType string

const (
	RecordGrain RecordType = "grain"
	RecordFlow  RecordType = "flow"
)

// IsValid checks if the type is a known record type.
func (t RecordType) IsValid() bool {
	return t == RecordGrain || t == RecordFlow
}

// GrainSize is a sediment size class.
type GrainSize string

const (
	GrainVeryFine   GrainSize = "Very Fine"
	GrainFine       GrainSize = "Fine"
	GrainMedium     GrainSize = "Medium"
	GrainCoarse     GrainSize = "Coarse"
	GrainVeryCoarse GrainSize = "Very Coarse"
	GrainGranule    GrainSize = "Granule"
	GrainPebble     GrainSize = "Pebble"
	GrainCobble     GrainSize = "Cobble"
	GrainBoulder    GrainSize = "Boulder"
)

// GrainSizes returns every size class from finest to coarsest.
func GrainSizes() []GrainSize {
	return []GrainSize{
		GrainVeryFine,
		GrainFine,
		GrainMedium,
		GrainCoarse,
		GrainVeryCoarse,
		GrainGranule,
		GrainPebble,
		GrainCobble,
		GrainBoulder,
	}
}

// IsValid checks if the size is one of GrainSizes.
func (g GrainSize) IsValid() bool {
	for _, valid := range GrainSizes() {
		if g == valid {
			return true
		}
	}
	return false
}

// GPS is the location stamped on a grain record.
type GPS struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Text      string  `json:"string"`
}

// GPSReading is a location fix handed over by whatever acquires positions.
// Either both coordinates are set, or Error explains why not.
type GPSReading struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Accuracy  float64  `json:"accuracy"`
	Error     string   `json:"error,omitempty"`
}

// FormatGPS renders coordinates with six decimals, "lat, lon".
func FormatGPS(lat, lon float64) string {
	return fmt.Sprintf("%.6f, %.6f", lat, lon)
}

// GrainData holds the grain-size observation fields.
type GrainData struct {
	GrainSize       GrainSize `json:"grainSize"`
	SizeMeasurement *float64  `json:"sizeMeasurement"`
	Quantity        *float64  `json:"quantity"`
	Notes           string    `json:"notes"`
	GPS             GPS       `json:"gps"`
	Timestamp       time.Time `json:"timestamp"`
}

// FlowData holds the flow measurement fields.
type FlowData struct {
	Depth            float64 `json:"depth"`
	Velocity         float64 `json:"velocity"`
	DistanceFromBank float64 `json:"distanceFromBank"`
}

// Record is a persisted field observation.
type Record struct {
	ID        string     `json:"id"`
	Rev       string     `json:"rev"`
	Type      RecordType `json:"type"`
	AuthorID  string     `json:"authorId"`
	CreatedAt time.Time  `json:"createdAt"`
	Grain     *GrainData `json:"grain,omitempty"`
	Flow      *FlowData  `json:"flow,omitempty"`
}

// GrainParams contains parameters for recording a grain observation.
type GrainParams struct {
	GrainSize       GrainSize  `json:"grainSize"`
	SizeMeasurement *float64   `json:"sizeMeasurement,omitempty"`
	Quantity        *float64   `json:"quantity,omitempty"`
	Notes           string     `json:"notes,omitempty"`
	Location        GPSReading `json:"location"`
	// Timestamp is the observation time; zero means now.
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// FlowParams contains parameters for recording a flow measurement.
type FlowParams struct {
	Depth            float64 `json:"depth"`
	Velocity         float64 `json:"velocity"`
	DistanceFromBank float64 `json:"distanceFromBank"`
}

// StoreStats contains local store statistics.
type StoreStats struct {
	RecordCount   int       `json:"record_count"`
	GrainCount    int       `json:"grain_count"`
	FlowCount     int       `json:"flow_count"`
	PendingPush   int       `json:"pending_push"`
	LastPush      time.Time `json:"last_push,omitempty"`
	LastPull      time.Time `json:"last_pull,omitempty"`
	SchemaVersion string    `json:"schema_version"`
}

// recordWire is the flat document body shared with the remote server.
type recordWire struct {
	Type      RecordType `json:"type"`
	AuthorID  string     `json:"authorId"`
	CreatedAt string     `json:"createdAt"`
	*GrainData
	*FlowData
}

func (r *Record) toDocument() (couch.Document, error) {
	w := recordWire{
		Type:      r.Type,
		AuthorID:  r.AuthorID,
		CreatedAt: r.CreatedAt.UTC().Format(time.RFC3339Nano),
		GrainData: r.Grain,
		FlowData:  r.Flow,
	}
	b, err := json.Marshal(w)
	if err != nil {
		return couch.Document{}, fmt.Errorf("encode record %s: %w", r.ID, err)
	}
	doc := couch.Document{ID: r.ID, Rev: r.Rev}
	if err := json.Unmarshal(b, &doc.Fields); err != nil {
		return couch.Document{}, fmt.Errorf("encode record %s: %w", r.ID, err)
	}
	return doc, nil
}

func recordFromDocument(doc couch.Document) (*Record, error) {
	b, err := json.Marshal(doc.Fields)
	if err != nil {
		return nil, fmt.Errorf("decode record %s: %w", doc.ID, err)
	}
	var w recordWire
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", doc.ID, err)
	}
	if !w.Type.IsValid() {
		return nil, fmt.Errorf("decode record %s: unknown type %q", doc.ID, w.Type)
	}

	r := &Record{ID: doc.ID, Rev: doc.Rev, Type: w.Type, AuthorID: w.AuthorID}
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, w.CreatedAt)
	switch w.Type {
	case RecordGrain:
		r.Grain = w.GrainData
		if r.Grain == nil {
			r.Grain = &GrainData{}
		}
	case RecordFlow:
		r.Flow = w.FlowData
		if r.Flow == nil {
			r.Flow = &FlowData{}
		}
	}
	return r, nil
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
