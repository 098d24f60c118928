// Package diagram renders workflow definitions as diagrams.
// Supports Mermaid flowchart and ASCII formats.
package diagram

import (
	"fmt"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/coldbench/stepwise/pkg/workflow"
)

// Format represents the output diagram format.
type Format string

const (
	FormatMermaid Format = "mermaid"
	FormatASCII   Format = "ascii"
)

// Generate produces a diagram string from a parsed workflow.
func Generate(wf *workflow.Workflow, format Format) (string, error) {
	if wf == nil {
		return "", fmt.Errorf("nil workflow")
	}
	switch format {
	case FormatMermaid:
		return generateMermaid(wf), nil
	case FormatASCII:
		return generateASCII(wf), nil
	default:
		return "", fmt.Errorf("unsupported diagram format: %s", format)
	}
}

// --- Mermaid flowchart ---

func generateMermaid(wf *workflow.Workflow) string {
	var b strings.Builder
	b.WriteString("flowchart TD\n")

	steps := collectSteps(wf)
	if len(steps) == 0 {
		return b.String()
	}

	b.WriteString("    START([Start]) --> " + safeID(steps[0].id) + "\n")
	b.WriteString("    DONE([Done])\n")

	for i, s := range steps {
		b.WriteString("    " + nodeDefinition(s) + "\n")

		next := "DONE"
		if i < len(steps)-1 {
			next = safeID(steps[i+1].id)
		}

		if s.decision != nil {
			// Yes continues in order; No routes past the skip set.
			b.WriteString(fmt.Sprintf("    %s -->|\"yes\"| %s\n", safeID(s.id), next))

			noTarget := "DONE"
			if s.decision.noTarget != workflow.EndTarget {
				noTarget = safeID(s.decision.noTarget)
			}
			label := "no"
			if len(s.decision.skips) > 0 {
				label = "no, skip " + strings.Join(s.decision.skips, ", ")
			}
			b.WriteString(fmt.Sprintf("    %s -.->|%q| %s\n", safeID(s.id), truncate(label, 40), noTarget))
		} else {
			b.WriteString(fmt.Sprintf("    %s --> %s\n", safeID(s.id), next))
		}
	}

	// Style decision gates so branch points stand out.
	for _, s := range steps {
		if s.decision != nil {
			b.WriteString(fmt.Sprintf("    style %s fill:#1a3a4a,stroke:#0af\n", safeID(s.id)))
		}
	}

	return b.String()
}

// --- ASCII ---

func generateASCII(wf *workflow.Workflow) string {
	var b strings.Builder

	name := wf.Name
	if name == "" {
		name = "Workflow"
	}

	steps := collectSteps(wf)
	if len(steps) == 0 {
		b.WriteString(name + " (empty)\n")
		return b.String()
	}

	// Compute uniform box width so every box and connector aligns.
	const indent = 8
	boxWidth := computeUniformBoxWidth(steps, name)
	connCol := indent + 1 + boxWidth/2 // +1 accounts for the border character
	pad := strings.Repeat(" ", indent)
	connPad := strings.Repeat(" ", connCol)

	// Header, same width as the body boxes, name centered.
	headerText := centerPad(name, boxWidth)
	mid := boxWidth / 2
	b.WriteString(pad + "╔" + strings.Repeat("═", boxWidth) + "╗\n")
	b.WriteString(pad + "║" + headerText + "║\n")
	b.WriteString(pad + "╚" + strings.Repeat("═", mid) + "╤" + strings.Repeat("═", boxWidth-mid-1) + "╝\n")
	b.WriteString(connPad + "│\n")

	for i, s := range steps {
		writeASCIIStep(&b, s, indent, boxWidth)

		if s.decision != nil {
			b.WriteString(connPad + "│\n")

			target := s.decision.noTarget
			if target == workflow.EndTarget {
				target = "done"
			}
			brLines := []string{" no → " + target + " "}
			for _, id := range s.decision.skips {
				brLines = append(brLines, "  ⊘ "+id+" ")
			}

			// Branch box width = widest content line, minimum 9 (for diamond)
			brWidth := 9
			for _, l := range brLines {
				if w := runewidth.StringWidth(l); w > brWidth {
					brWidth = w
				}
			}
			// Ensure odd width so ◇ and ┬ land at center
			if brWidth%2 == 0 {
				brWidth++
			}
			brHalf := brWidth / 2

			brPad := strings.Repeat(" ", connCol-brHalf-1)
			b.WriteString(brPad + "┌" + strings.Repeat("─", brHalf) + "◇" + strings.Repeat("─", brHalf) + "┐\n")
			for _, l := range brLines {
				lw := runewidth.StringWidth(l)
				b.WriteString(brPad + "│" + l + strings.Repeat(" ", brWidth-lw) + "│\n")
			}
			b.WriteString(brPad + "└" + strings.Repeat("─", brHalf) + "┬" + strings.Repeat("─", brHalf) + "┘\n")
		}

		if i < len(steps)-1 {
			b.WriteString(connPad + "│\n")
		}
	}

	outPad := strings.Repeat(" ", connCol-2)
	b.WriteString(connPad + "│\n")
	b.WriteString(outPad + "✔ done\n")

	return b.String()
}

// computeUniformBoxWidth returns the widest interior width needed
// across all steps and the header name.
func computeUniformBoxWidth(steps []diagramStep, name string) int {
	minWidth := 22
	w := minWidth

	// Header name with padding
	nameWidth := runewidth.StringWidth(name) + 4 // "  name  "
	if nameWidth > w {
		w = nameWidth
	}

	for _, s := range steps {
		sw := stepContentWidth(s)
		if sw > w {
			w = sw
		}
	}
	return w
}

// stepContentWidth returns the interior width a single step box needs.
func stepContentWidth(s diagramStep) int {
	content := fmt.Sprintf(" %s %s ", stepIcon(s), s.label())
	w := runewidth.StringWidth(content)
	if s.outputs != "" {
		outLine := " → " + s.outputs
		if ow := runewidth.StringWidth(outLine); ow > w {
			w = ow
		}
	}
	return w
}

// centerPad centers s within width using spaces, based on display width.
func centerPad(s string, width int) string {
	sw := runewidth.StringWidth(s)
	if sw >= width {
		return s
	}
	total := width - sw
	left := total / 2
	right := total - left
	return strings.Repeat(" ", left) + s + strings.Repeat(" ", right)
}

func writeASCIIStep(b *strings.Builder, s diagramStep, indent, boxWidth int) {
	content := fmt.Sprintf(" %s %s ", stepIcon(s), s.label())
	contentWidth := runewidth.StringWidth(content)

	pad := strings.Repeat(" ", indent)
	topBot := strings.Repeat("─", boxWidth)
	mid := boxWidth / 2

	b.WriteString(pad + "┌" + topBot + "┐\n")
	b.WriteString(pad + "│" + content + strings.Repeat(" ", boxWidth-contentWidth) + "│\n")
	if s.outputs != "" {
		outLine := " → " + s.outputs
		outWidth := runewidth.StringWidth(outLine)
		b.WriteString(pad + "│" + outLine + strings.Repeat(" ", boxWidth-outWidth) + "│\n")
	}
	b.WriteString(pad + "└" + strings.Repeat("─", mid) + "┬" + strings.Repeat("─", boxWidth-mid-1) + "┘\n")
}

func stepIcon(s diagramStep) string {
	if s.decision != nil {
		return "?"
	}
	return "⚡"
}

// --- workflow flattening ---

type diagramStep struct {
	id       string
	title    string
	outputs  string
	rerun    bool
	decision *decisionInfo
}

type decisionInfo struct {
	prompt   string
	noTarget string
	skips    []string
}

func (s diagramStep) label() string {
	l := s.title
	if l == "" {
		l = s.id
	}
	if s.rerun {
		l += " ⟳"
	}
	return l
}

func collectSteps(wf *workflow.Workflow) []diagramStep {
	result := make([]diagramStep, 0, len(wf.Steps))
	for _, s := range wf.Steps {
		ds := diagramStep{
			id:      s.ID,
			title:   s.Title,
			outputs: strings.Join(s.Outputs, ", "),
			rerun:   s.Rerun,
		}
		if s.Decision != nil {
			ds.decision = &decisionInfo{
				prompt:   s.Decision.Prompt,
				noTarget: s.Decision.NoTarget,
				skips:    s.Decision.SkipOnNo,
			}
		}
		result = append(result, ds)
	}
	return result
}

// --- string helpers ---

func nodeDefinition(s diagramStep) string {
	id := safeID(s.id)
	title := escMermaid(s.label())

	outputSuffix := ""
	if s.outputs != "" {
		outputSuffix = "<br/>→ " + escMermaid(s.outputs)
	}

	if s.decision != nil {
		return fmt.Sprintf(`%s{{"? %s%s"}}`, id, title, outputSuffix)
	}
	return fmt.Sprintf(`%s["⚡ %s%s"]`, id, title, outputSuffix)
}

func safeID(id string) string {
	r := strings.NewReplacer("-", "_", " ", "_", ".", "_")
	return r.Replace(id)
}

func escMermaid(s string) string {
	s = strings.ReplaceAll(s, `"`, "#quot;")
	s = strings.ReplaceAll(s, `'`, "#apos;")
	return s
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
