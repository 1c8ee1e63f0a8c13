package convert

import (
	"context"
	"testing"
)

func TestTextConverterSingleCell(t *testing.T) {
	cells, ok := Text{}.Convert(context.Background(), DocTypeText, []byte("hello\nworld\n"))
	if !ok {
		t.Fatalf("expected result")
	}
	if len(cells) != 1 {
		t.Fatalf("expected one cell, got %d", len(cells))
	}
	if cells[0].Kind != CellKindText || cells[0].Source != "hello\nworld\n" {
		t.Fatalf("unexpected cell %+v", cells[0])
	}
}

func TestTextConverterRejectsOtherTypes(t *testing.T) {
	if _, ok := (Text{}).Convert(context.Background(), DocTypeNotebook, []byte("{}")); ok {
		t.Fatalf("expected absent result for notebook doc type")
	}
}

func TestWorkerConverterDecodesNotebook(t *testing.T) {
	converter := NewWorkerConverter(NewFake(), nil)
	raw := []byte(`{"cells":[{"cell_type":"markdown","source":"# Title\n"},{"cell_type":"code","source":"print(1)\n"}]}`)
	cells, ok := converter.Convert(context.Background(), DocTypeNotebook, raw)
	if !ok {
		t.Fatalf("expected result")
	}
	if len(cells) != 2 {
		t.Fatalf("expected two cells, got %d", len(cells))
	}
	if cells[0].Kind != CellKindMarkup {
		t.Fatalf("expected markup first cell, got %q", cells[0].Kind)
	}
	if cells[1].Kind != CellKindCode {
		t.Fatalf("expected code second cell, got %q", cells[1].Kind)
	}
}

func TestWorkerConverterAbsentOnFailure(t *testing.T) {
	fake := NewFake()
	fake.FailNext = true
	converter := NewWorkerConverter(fake, nil)
	if _, ok := converter.Convert(context.Background(), DocTypeNotebook, []byte("{}")); ok {
		t.Fatalf("expected absent result on worker failure")
	}

	// Malformed notebook JSON is also an absent result, not an error.
	if _, ok := converter.Convert(context.Background(), DocTypeNotebook, []byte("not json")); ok {
		t.Fatalf("expected absent result on parse failure")
	}
}

func TestJoined(t *testing.T) {
	joined := Joined([]Cell{{Source: "a\n"}, {Source: "b\n"}})
	if joined != "a\nb\n" {
		t.Fatalf("expected joined sources, got %q", joined)
	}
}

func TestDispatchRouting(t *testing.T) {
	dispatch := Dispatch{
		Notebook: NewWorkerConverter(NewFake(), nil),
		Fallback: Text{},
	}
	cells, ok := dispatch.Convert(context.Background(), DocTypeText, []byte("plain"))
	if !ok || len(cells) != 1 || cells[0].Kind != CellKindText {
		t.Fatalf("expected text fallback, got %v %v", cells, ok)
	}
	cells, ok = dispatch.Convert(context.Background(), DocTypeNotebook, []byte(`{"cells":[{"cell_type":"code","source":"x"}]}`))
	if !ok || len(cells) != 1 || cells[0].Kind != CellKindCode {
		t.Fatalf("expected notebook route, got %v %v", cells, ok)
	}
}
