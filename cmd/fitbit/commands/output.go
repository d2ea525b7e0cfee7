package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/itchyny/gojq"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/florianilch/fitbit-client/internal/app"
)

func compileFilter(expr string) (*gojq.Code, error) {
	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid jq expression: %w", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("invalid jq expression: %w", err)
	}
	return code, nil
}

// printFiltered runs filter over each JSON body and prints every result on its own line.
func printFiltered(ctx context.Context, w io.Writer, filter *gojq.Code, bodies [][]byte) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	for _, body := range bodies {
		var input any
		if err := json.Unmarshal(body, &input); err != nil {
			return fmt.Errorf("response is not JSON: %w", err)
		}

		iter := filter.RunWithContext(ctx, input)
		for {
			v, ok := iter.Next()
			if !ok {
				break
			}
			if err, ok := v.(error); ok {
				var halt *gojq.HaltError
				if errors.As(err, &halt) && halt.Value() == nil {
					break
				}
				return fmt.Errorf("jq: %w", err)
			}
			if err := enc.Encode(v); err != nil {
				return err
			}
		}
	}
	return nil
}

func printStatus(w io.Writer, status *app.Status) {
	if !status.Authenticated {
		_, _ = fmt.Fprintf(w, "Not logged in (storage: %s).\n", status.Storage)
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"KEY", "VALUE"})
	t.AppendRow(table.Row{"storage", status.Storage})
	if status.UserID != "" {
		t.AppendRow(table.Row{"user", status.UserID})
	}
	if len(status.Scopes) > 0 {
		t.AppendRow(table.Row{"scopes", strings.Join(status.Scopes, " ")})
	}
	if status.Expiry != "" {
		t.AppendRow(table.Row{"expires", status.Expiry})
	}
	t.AppendRow(table.Row{"refreshable", status.Refreshable})
	t.Render()
}

// printJSON writes each body indented, falling back to the raw bytes for non-JSON bodies.
func printJSON(w io.Writer, bodies [][]byte) error {
	for _, body := range bodies {
		var buf bytes.Buffer
		if err := json.Indent(&buf, body, "", "  "); err != nil {
			buf.Reset()
			buf.Write(body)
		}
		buf.WriteByte('\n')
		if _, err := buf.WriteTo(w); err != nil {
			return err
		}
	}
	return nil
}
