// Package generators holds the built-in demo report kinds. Real hosts register
// their own generators against the registry at startup.
package generators

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/iago/reporting-back/internal/registry"
	"github.com/jung-kurt/gofpdf"
)

const (
	KindParamsJSON = "params_json"
	KindParamsPDF  = "params_pdf"
)

// ParamsJSON echoes the request params as a JSON document.
func ParamsJSON(ctx context.Context, params map[string]any, meta registry.Meta) (registry.Output, error) {
	if err := ctx.Err(); err != nil {
		return registry.Output{}, err
	}
	doc := map[string]any{
		"request_id":   meta.RequestID,
		"kind":         meta.Kind,
		"generated_at": time.Now().UTC().Format(time.RFC3339),
		"params":       params,
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return registry.Output{}, fmt.Errorf("encode params document: %w", err)
	}
	return registry.Output{
		Body:        bytes.NewReader(raw),
		Filename:    meta.RequestID + ".json",
		ContentType: "application/json",
	}, nil
}

// ParamsPDF renders the params as a two column table on an A4 page.
func ParamsPDF(ctx context.Context, params map[string]any, meta registry.Meta) (registry.Output, error) {
	if err := ctx.Err(); err != nil {
		return registry.Output{}, err
	}

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(15, 15, 15)
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 14)
	pdf.CellFormat(0, 10, "Report "+meta.Kind, "", 1, "L", false, 0, "")
	pdf.SetFont("Arial", "", 9)
	pdf.CellFormat(0, 6, "Request "+meta.RequestID, "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, "Generated "+time.Now().UTC().Format(time.RFC3339), "", 1, "L", false, 0, "")
	pdf.Ln(4)

	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(60, 7, "Parameter", "1", 0, "L", false, 0, "")
	pdf.CellFormat(0, 7, "Value", "1", 1, "L", false, 0, "")
	pdf.SetFont("Arial", "", 10)
	for _, key := range keys {
		value, err := json.Marshal(params[key])
		if err != nil {
			return registry.Output{}, fmt.Errorf("encode param %s: %w", key, err)
		}
		pdf.CellFormat(60, 7, key, "1", 0, "L", false, 0, "")
		pdf.CellFormat(0, 7, string(value), "1", 1, "L", false, 0, "")
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return registry.Output{}, fmt.Errorf("render pdf: %w", err)
	}
	return registry.Output{
		Body:        &buf,
		Filename:    meta.RequestID + ".pdf",
		ContentType: "application/pdf",
	}, nil
}

// RegisterDemo installs the demo kinds on reg.
func RegisterDemo(reg *registry.Registry) error {
	if err := reg.Register(KindParamsJSON, registry.GeneratorFunc(ParamsJSON),
		registry.WithDescription("Echoes the submitted params as JSON"),
		registry.WithParamsSchema([]byte(`{"type":"object"}`)),
	); err != nil {
		return err
	}
	return reg.Register(KindParamsPDF, registry.GeneratorFunc(ParamsPDF),
		registry.WithDescription("Renders the submitted params as a PDF table"),
		registry.WithParamsSchema([]byte(`{"type":"object","maxProperties":50}`)),
	)
}
