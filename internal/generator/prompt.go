package generator

import (
	_ "embed"
	"fmt"
	"strings"

	"kportal/internal/viewer"
)

var (
	//go:embed prompt/instructions.txt
	instructions string
	//go:embed prompt/output.txt
	outputFormat string
	//go:embed prompt/output_legacy.txt
	outputFormatLegacy string
	//go:embed prompt/example.gohtml
	exampleTemplate string
)

// SystemPrompt assembles the instructions sent with every request.
func SystemPrompt(legacy bool) string {
	var b strings.Builder
	b.WriteString(instructions)

	b.WriteString("\nAvailable primitives:\n\n")
	for _, p := range viewer.Primitives() {
		fmt.Fprintf(&b, "  %s\n      %s\n", p.Name, p.Usage)
	}

	b.WriteString("\nAn example viewer for a Deployment:\n\n")
	b.WriteString(exampleTemplate)
	b.WriteString("\n")

	if legacy {
		b.WriteString(outputFormatLegacy)
	} else {
		b.WriteString(outputFormat)
	}
	return b.String()
}

// UserPrompt carries the subject's schema and context.
func UserPrompt(req Request) (string, error) {
	schema, err := req.SchemaJSON()
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Kind: %s\nAPI version: %s\n\n", req.Identity.Kind, req.Identity.GVK().GroupVersion())
	fmt.Fprintf(&b, "Schema: %s\n", schema)
	if req.Context != "" {
		fmt.Fprintf(&b, "\nCustomResourceDefinition:\n%s\n", req.Context)
	}
	return b.String(), nil
}
