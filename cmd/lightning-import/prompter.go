package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/tridz-dev/lightning-import/internal/api"
	"github.com/tridz-dev/lightning-import/internal/services/mapping"
)

// consolePrompter answers reconciliation prompts from stdin.
type consolePrompter struct {
	scanner *bufio.Scanner
}

func newConsolePrompter() *consolePrompter {
	return &consolePrompter{scanner: bufio.NewScanner(os.Stdin)}
}

func (p *consolePrompter) ResolveGaps(candidate mapping.Result, fields []api.DestinationField) (mapping.Choice, error) {
	labels := fieldLabels(fields)

	fmt.Println("Required fields without a source column:")
	for _, fieldname := range candidate.UnmappedRequired {
		fmt.Printf("  - %s\n", describeField(fieldname, labels))
	}

	for {
		fmt.Print("[p]roceed anyway, [e]dit the mapping, [a]bort: ")
		line, err := p.readLine()
		if err != nil {
			// Closed stdin counts as a refusal.
			return mapping.ChoiceAbort, nil
		}
		switch strings.ToLower(line) {
		case "p", "proceed":
			return mapping.ChoiceProceed, nil
		case "e", "edit":
			return mapping.ChoiceEdit, nil
		case "a", "abort", "q":
			return mapping.ChoiceAbort, nil
		}
	}
}

func (p *consolePrompter) EditMapping(seed map[string]string, fields []api.DestinationField, lastErr error) (map[string]string, error) {
	if lastErr != nil {
		fmt.Printf("Mapping rejected: %v\n", lastErr)
	}
	labels := fieldLabels(fields)

	fmt.Println("Edit the mapping column by column. Enter keeps the current target,")
	fmt.Println("'-' clears the column, anything else is the new destination fieldname.")

	columns := make([]string, 0, len(seed))
	for column := range seed {
		columns = append(columns, column)
	}
	sort.Strings(columns)

	edited := make(map[string]string, len(seed))
	for _, column := range columns {
		current := seed[column]
		fmt.Printf("  %s -> %s: ", column, describeField(current, labels))
		line, err := p.readLine()
		if err != nil {
			return nil, mapping.ErrAborted
		}
		switch line {
		case "":
			edited[column] = current
		case "-":
			// cleared
		default:
			edited[column] = line
		}
	}

	// Columns auto-mapping skipped can still be mapped here.
	for {
		fmt.Print("Add a mapping as column=field, blank line to finish: ")
		line, err := p.readLine()
		if err != nil || line == "" {
			break
		}
		column, field, ok := strings.Cut(line, "=")
		if !ok {
			fmt.Println("Expected column=field.")
			continue
		}
		edited[strings.TrimSpace(column)] = strings.TrimSpace(field)
	}

	return edited, nil
}

func (p *consolePrompter) readLine() (string, error) {
	if !p.scanner.Scan() {
		if err := p.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return strings.TrimSpace(p.scanner.Text()), nil
}

// acceptGaps backs the -yes flag: gaps are waved through, the editor keeps
// the candidate untouched.
type acceptGaps struct{}

func (acceptGaps) ResolveGaps(mapping.Result, []api.DestinationField) (mapping.Choice, error) {
	return mapping.ChoiceProceed, nil
}

func (acceptGaps) EditMapping(seed map[string]string, _ []api.DestinationField, _ error) (map[string]string, error) {
	return seed, nil
}

func fieldLabels(fields []api.DestinationField) map[string]string {
	labels := make(map[string]string, len(fields))
	for _, field := range fields {
		labels[field.Fieldname] = field.Label
	}
	return labels
}

func describeField(fieldname string, labels map[string]string) string {
	if fieldname == "" {
		return "(unmapped)"
	}
	if label, ok := labels[fieldname]; ok && label != "" && label != fieldname {
		return fmt.Sprintf("%s (%s)", fieldname, label)
	}
	return fieldname
}

func printMapping(m map[string]string) {
	if len(m) == 0 {
		fmt.Println("No columns mapped.")
		return
	}

	columns := make([]string, 0, len(m))
	for column := range m {
		columns = append(columns, column)
	}
	sort.Strings(columns)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "COLUMN\tFIELD")
	for _, column := range columns {
		fmt.Fprintf(w, "%s\t%s\n", column, m[column])
	}
	w.Flush()
}
