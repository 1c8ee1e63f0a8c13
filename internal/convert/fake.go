package convert

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Fake is an in-process stand-in for the converter worker. It understands a
// minimal notebook document: JSON with a top-level "cells" array of
// {"cell_type","source"} objects. Anything else decodes as a single text
// cell. Used by tests and by headless mode when no worker is configured.
type Fake struct {
	FailNext bool
}

func NewFake() *Fake {
	return &Fake{}
}

func (f *Fake) Call(_ context.Context, method string, params any, result any) error {
	if f.FailNext {
		f.FailNext = false
		return ErrUnavailable
	}
	payload := map[string]any{}
	data, _ := json.Marshal(params)
	_ = json.Unmarshal(data, &payload)

	switch method {
	case "ConverterGetInfo":
		return assignResult(result, map[string]any{"ok": true, "worker": "fake"})
	case "DecodeDocument":
		encoded, _ := payload["content"].(string)
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return &RemoteError{Code: "DECODE_FAILED", Message: err.Error()}
		}
		docType, _ := payload["doc_type"].(string)
		cells, err := fakeDecode(docType, raw)
		if err != nil {
			return &RemoteError{Code: "DECODE_FAILED", Message: err.Error()}
		}
		return assignResult(result, map[string]any{"cells": cells})
	default:
		return &RemoteError{Code: "METHOD_NOT_FOUND", Message: method}
	}
}

func (f *Fake) Close() error {
	return nil
}

func (f *Fake) HealthCheck(_ context.Context) error {
	return nil
}

func fakeDecode(docType string, raw []byte) ([]Cell, error) {
	if docType != DocTypeNotebook {
		return []Cell{{Kind: CellKindText, Source: string(raw)}}, nil
	}
	var doc struct {
		Cells []struct {
			CellType string `json:"cell_type"`
			Source   string `json:"source"`
		} `json:"cells"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("notebook parse: %w", err)
	}
	cells := make([]Cell, 0, len(doc.Cells))
	for _, cell := range doc.Cells {
		kind := CellKindCode
		if strings.EqualFold(cell.CellType, "markdown") {
			kind = CellKindMarkup
		}
		cells = append(cells, Cell{Kind: kind, Source: cell.Source})
	}
	return cells, nil
}

func assignResult(dest any, src any) error {
	if dest == nil {
		return nil
	}
	data, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}
