package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"
)

type OutputFormat string

const (
	OutputTable OutputFormat = "table"
	OutputJSON  OutputFormat = "json"
	OutputYAML  OutputFormat = "yaml"
)

func ParseOutputFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(strings.ToLower(s)); f {
	case OutputTable, OutputJSON, OutputYAML:
		return f, nil
	case "":
		return OutputTable, nil
	default:
		return "", fmt.Errorf("unknown output format %q (valid: table, json, yaml)", s)
	}
}

type OutputOptions struct {
	Format OutputFormat
	Quiet  bool
	Writer io.Writer
	// ErrWriter receives PrintError output. Defaults to stderr.
	ErrWriter io.Writer
}

func NewOutputOptions() *OutputOptions {
	return &OutputOptions{
		Format:    OutputTable,
		Writer:    os.Stdout,
		ErrWriter: os.Stderr,
	}
}

func FormatOutput(data any, format OutputFormat) (string, error) {
	switch format {
	case OutputJSON:
		return formatJSON(data)
	case OutputYAML:
		return formatYAML(data)
	default:
		return formatTable(data)
	}
}

func formatJSON(data any) (string, error) {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal JSON: %w", err)
	}
	return string(b) + "\n", nil
}

func formatYAML(data any) (string, error) {
	b, err := yaml.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal YAML: %w", err)
	}
	return string(b), nil
}

func formatTable(data any) (string, error) {
	if data == nil {
		return "", nil
	}

	v := reflect.ValueOf(data)
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return "", nil
		}
		v = v.Elem()
	}

	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		return formatSliceTable(v)
	case reflect.Map:
		return formatMapTable(v)
	case reflect.Struct:
		return formatStructTable(v)
	default:
		return fmt.Sprintf("%v\n", data), nil
	}
}

// formatSliceTable prints one row per element with the column names taken
// from the json tags of the first element.
func formatSliceTable(v reflect.Value) (string, error) {
	if v.Len() == 0 {
		return "No items\n", nil
	}

	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 0, 0, 2, ' ', 0)

	cols := columns(v.Index(0))
	headers := make([]string, len(cols))
	for i, c := range cols {
		headers[i] = strings.ToUpper(c.name)
	}
	fmt.Fprintln(w, strings.Join(headers, "\t"))

	for i := 0; i < v.Len(); i++ {
		row := indirect(v.Index(i))
		values := make([]string, len(cols))
		for j, c := range cols {
			if c.index < 0 {
				values[j] = formatValue(row.Interface())
				continue
			}
			values[j] = formatValue(row.Field(c.index).Interface())
		}
		fmt.Fprintln(w, strings.Join(values, "\t"))
	}

	w.Flush()
	return sb.String(), nil
}

// formatMapTable prints key/value pairs in key order.
func formatMapTable(v reflect.Value) (string, error) {
	type kv struct{ k, v string }
	pairs := make([]kv, 0, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		pairs = append(pairs, kv{fmt.Sprintf("%v", iter.Key()), formatValue(iter.Value().Interface())})
	}
	slices.SortFunc(pairs, func(a, b kv) int { return strings.Compare(a.k, b.k) })

	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 0, 0, 2, ' ', 0)
	for _, p := range pairs {
		fmt.Fprintf(w, "%s\t%s\n", p.k, p.v)
	}
	w.Flush()
	return sb.String(), nil
}

func formatStructTable(v reflect.Value) (string, error) {
	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 0, 0, 2, ' ', 0)
	for _, c := range columns(v) {
		fmt.Fprintf(w, "%s\t%s\n", c.name, formatValue(v.Field(c.index).Interface()))
	}
	w.Flush()
	return sb.String(), nil
}

type column struct {
	name  string
	index int
}

func indirect(v reflect.Value) reflect.Value {
	for v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return v
		}
		v = v.Elem()
	}
	return v
}

// columns lists the exported fields of a struct by json name. Fields tagged
// "-" are skipped. Non-struct values get a single "value" column.
func columns(v reflect.Value) []column {
	v = indirect(v)
	if v.Kind() != reflect.Struct {
		return []column{{name: "value", index: -1}}
	}

	t := v.Type()
	var cols []column
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.PkgPath != "" {
			continue
		}
		name := field.Tag.Get("json")
		if name == "-" {
			continue
		}
		if idx := strings.Index(name, ","); idx != -1 {
			name = name[:idx]
		}
		if name == "" {
			name = field.Name
		}
		cols = append(cols, column{name: name, index: i})
	}
	return cols
}

func formatValue(v any) string {
	if v == nil {
		return ""
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return ""
		}
		v = rv.Elem().Interface()
	}

	switch val := v.(type) {
	case string:
		return val
	case time.Time:
		if val.IsZero() {
			return ""
		}
		return val.Format(time.RFC3339)
	case fmt.Stringer:
		return val.String()
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", val)
	case float32:
		return strconv.FormatFloat(float64(val), 'g', 6, 32)
	case float64:
		// learning rates and losses span many magnitudes
		return strconv.FormatFloat(val, 'g', 6, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		if rv := reflect.ValueOf(val); rv.Kind() == reflect.String {
			return rv.String()
		}
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}

func PrintOutput(data any, opts *OutputOptions) error {
	if opts.Quiet {
		return nil
	}

	output, err := FormatOutput(data, opts.Format)
	if err != nil {
		return err
	}

	_, err = fmt.Fprint(opts.Writer, output)
	return err
}

func PrintError(err error, opts *OutputOptions) {
	w := opts.ErrWriter
	if w == nil {
		w = os.Stderr
	}
	data := map[string]any{
		"success": false,
		"error":   map[string]string{"message": err.Error()},
	}
	switch opts.Format {
	case OutputJSON:
		b, _ := json.MarshalIndent(data, "", "  ")
		fmt.Fprintln(w, string(b))
	case OutputYAML:
		b, _ := yaml.Marshal(data)
		fmt.Fprint(w, string(b))
	default:
		fmt.Fprintf(w, "Error: %v\n", err)
	}
}
