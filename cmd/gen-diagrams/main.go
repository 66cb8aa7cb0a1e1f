// gen-diagrams generates sample diagram outputs for README documentation.
// Run: go run ./cmd/gen-diagrams
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/weftlabs/weft/internal/compiler"
	"github.com/weftlabs/weft/internal/diagram"
	"github.com/weftlabs/weft/internal/store"
	"github.com/weftlabs/weft/pkg/schema"
)

func main() {
	// Order pipeline: fetch → validate → choice(in stock?) → two arms → ship.
	def := &schema.WorkflowDefinition{
		WorkflowID: "wf-sample",
		StartAt:    "fetch-order",
		States: map[string]schema.StateDefinition{
			"fetch-order": {
				Type:               schema.StateTypeTask,
				CapabilityBindings: []schema.CapabilityBinding{{Ref: "order-fetcher@1.0.0"}},
				Next:               "validate",
			},
			"validate": {
				Type:               schema.StateTypeTask,
				CapabilityBindings: []schema.CapabilityBinding{{Ref: "order-validator@1.0.0"}},
				Next:               "check-stock",
			},
			"check-stock": {
				Type: schema.StateTypeChoice,
				Branches: []schema.Branch{
					{When: `input.quantity > 0`, Next: "process-payment"},
					{Next: "notify-restock"},
				},
			},
			"process-payment": {
				Type:               schema.StateTypeTask,
				CapabilityBindings: []schema.CapabilityBinding{{Ref: "payment-processor@2.1.0"}},
				Next:               "ship",
			},
			"notify-restock": {
				Type:               schema.StateTypeTask,
				CapabilityBindings: []schema.CapabilityBinding{{Ref: "restock-notifier@1.0.0"}},
				Next:               "ship",
			},
			"ship": {
				Type:               schema.StateTypeTask,
				CapabilityBindings: []schema.CapabilityBinding{{Ref: "shipping-agent@1.2.0"}},
				End:                true,
			},
		},
	}

	comp, err := compiler.New(nil, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "compiler error: %v\n", err)
		os.Exit(1)
	}
	plan, err := comp.Compile(context.Background(), def)
	if err != nil {
		fmt.Fprintf(os.Stderr, "compile error: %v\n", err)
		os.Exit(1)
	}

	started := time.Now().Add(-5 * time.Second)
	ended := started.Add(1200 * time.Millisecond)
	records := []*store.StateRecord{
		{State: "fetch-order", Status: schema.StateStatusDone, Attempts: 1, StartedAt: &started, FinishedAt: &ended},
		{State: "validate", Status: schema.StateStatusDone, Attempts: 1},
		{State: "check-stock", Status: schema.StateStatusDone, ResolvedNext: "process-payment"},
		{State: "process-payment", Status: schema.StateStatusDone, Attempts: 2},
		{State: "notify-restock", Status: schema.StateStatusBlocked},
		{State: "ship", Status: schema.StateStatusRunning, Attempts: 1},
	}

	model := diagram.Build(plan, records)

	outDir := filepath.Join("docs", "assets")
	os.MkdirAll(outDir, 0o755)

	// ASCII (mermaid-ascii with hand-rolled fallback)
	home, _ := os.UserHomeDir()
	binDir := filepath.Join(home, ".weft", "bin")
	ascii := diagram.RenderASCIIAuto(model, binDir)
	os.WriteFile(filepath.Join(outDir, "diagram-ascii.txt"), []byte(ascii), 0o644)
	fmt.Println("=== ASCII (mermaid-ascii) ===")
	fmt.Println(ascii)

	// Mermaid
	mermaid := diagram.RenderMermaid(model)
	os.WriteFile(filepath.Join(outDir, "diagram-mermaid.md"), []byte("```mermaid\n"+mermaid+"\n```\n"), 0o644)
	fmt.Println("=== Mermaid ===")
	fmt.Println(mermaid)

	// Image (PNG)
	png, imgErr := diagram.RenderImage(model)
	if imgErr != nil {
		fmt.Fprintf(os.Stderr, "image error: %v\n", imgErr)
	} else {
		pngPath := filepath.Join(outDir, "diagram-sample.png")
		os.WriteFile(pngPath, png, 0o644)
		fmt.Printf("=== Image (PNG) ===\nWritten: %s (%d bytes)\n", pngPath, len(png))
	}
}
