package pipeline

import (
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aluiziolira/go-scrape-cards/models"
)

func sampleOutput() *models.Output {
	return &models.Output{
		RunID:    "run-1",
		StartURL: "https://examplebank.test/credit-cards",
		State:    "done",
		Record: &models.AggregatedRecord{
			Fields: map[string]any{
				"annual_fee":  "₹500",
				"benefits":    []string{"Lounge Access", "Fuel surcharge waiver"},
				"eligibility": map[string]any{"min_age": "21"},
				"extra":       "x",
			},
			FieldOrder: []string{"annual_fee", "benefits", "eligibility", "extra"},
		},
		Completeness: models.CompletenessReport{
			Fields:         []string{"card_name", "annual_fee", "benefits", "eligibility"},
			TotalFields:    4,
			FilledFields:   3,
			Percentage:     75,
			PerFieldStatus: map[string]bool{"card_name": false, "annual_fee": true, "benefits": true, "eligibility": true},
			Missing:        []string{"card_name"},
		},
		StartTime: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2026, 3, 1, 10, 1, 0, 0, time.UTC),
	}
}

func TestCSVWriterWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "card.csv")

	writer, err := NewCSVWriter(path)
	if err != nil {
		t.Fatalf("create csv writer: %v", err)
	}
	if err := writer.Write(sampleOutput()); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	if err := writer.Validate(); err != nil {
		t.Fatalf("validate csv: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close csv: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 6 {
		t.Fatalf("records=%d, want 6", len(records))
	}
	if records[0][0] != "field" || records[0][2] != "value" {
		t.Fatalf("unexpected header: %v", records[0])
	}
	if records[1][0] != "card_name" || records[1][1] != "false" {
		t.Fatalf("schema order not kept: %v", records[1])
	}
	if records[3][2] != "Lounge Access; Fuel surcharge waiver" {
		t.Fatalf("collection value = %q", records[3][2])
	}
	if records[4][2] != `{"min_age":"21"}` {
		t.Fatalf("object value = %q", records[4][2])
	}
	if records[5][0] != "extra" || records[5][4] != "75.00" {
		t.Fatalf("unexpected trailing row: %v", records[5])
	}
}

func TestJSONWriterWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "card.json")

	writer, err := NewJSONWriter(path)
	if err != nil {
		t.Fatalf("create json writer: %v", err)
	}
	if err := writer.Write(sampleOutput()); err != nil {
		t.Fatalf("write json: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close json: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read json: %v", err)
	}
	var decoded models.Output
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if decoded.RunID != "run-1" || decoded.Completeness.Percentage != 75 {
		t.Fatalf("unexpected document: %+v", decoded)
	}
	if decoded.Record.Fields["annual_fee"] != "₹500" {
		t.Fatalf("annual_fee = %v", decoded.Record.Fields["annual_fee"])
	}
}

func TestNewWriterDual(t *testing.T) {
	dir := t.TempDir()
	writer, err := NewWriter("dual", filepath.Join(dir, "card.json"))
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := writer.Write(sampleOutput()); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := writer.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	for _, name := range []string{"card.csv", "card.json"} {
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("stat %s: %v", name, err)
		}
		if info.Size() == 0 {
			t.Fatalf("%s is empty", name)
		}
	}
}

func TestNewWriterUnknownFormat(t *testing.T) {
	if _, err := NewWriter("xml", filepath.Join(t.TempDir(), "card.xml")); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}
