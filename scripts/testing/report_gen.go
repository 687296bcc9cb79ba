// Copyright 2026 The OpenTrusty Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command report_gen merges `go test -json` output with the annotations in
// test doc comments into JSON and Markdown reports.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// TestMetadata holds the annotations of one test function.
type TestMetadata struct {
	Name       string `json:"name"`
	Purpose    string `json:"purpose,omitempty"`
	Scope      string `json:"scope,omitempty"`
	Security   string `json:"security,omitempty"`
	Expected   string `json:"expected,omitempty"`
	TestCaseID string `json:"test_case_id,omitempty"`
	Package    string `json:"package"`
	Category   string `json:"category"`
}

// GoTestEvent is one line of `go test -json` output.
type GoTestEvent struct {
	Action  string  `json:"Action"`
	Package string  `json:"Package"`
	Test    string  `json:"Test"`
	Elapsed float64 `json:"Elapsed"`
	Output  string  `json:"Output"`
}

// TestResult is the outcome of a test merged with its annotations.
type TestResult struct {
	Name        string       `json:"name"`
	Status      string       `json:"status"`
	Elapsed     float64      `json:"elapsed_seconds"`
	Package     string       `json:"package"`
	Failure     string       `json:"failure_reason,omitempty"`
	Annotations TestMetadata `json:"annotations"`
}

// Report holds totals and results.
type Report struct {
	GeneratedAt time.Time    `json:"generated_at"`
	Total       int          `json:"total"`
	Passed      int          `json:"passed"`
	Failed      int          `json:"failed"`
	Skipped     int          `json:"skipped"`
	Results     []TestResult `json:"results"`
}

// categories maps package directories onto report sections, in report order.
var categories = []struct {
	dir  string
	name string
}{
	{"internal/keys", "Key Store"},
	{"internal/jwks", "JWKS"},
	{"internal/token", "Token Exchange"},
	{"internal/oauth2", "OAuth2"},
	{"internal/auth", "Bearer Auth"},
	{"internal/oidc", "Metadata"},
	{"internal/transport/http", "API"},
	{"internal/store", "Storage"},
	{"internal/config", "Config"},
	{"internal/observability", "Observability"},
	{"internal/audit", "Audit"},
}

const otherCategory = "Other"

var annotationPrefixes = map[string]func(*TestMetadata, string){
	"TestPurpose:":  func(m *TestMetadata, v string) { m.Purpose = v },
	"Scope:":        func(m *TestMetadata, v string) { m.Scope = v },
	"Security:":     func(m *TestMetadata, v string) { m.Security = v },
	"Expected:":     func(m *TestMetadata, v string) { m.Expected = v },
	"Test Case ID:": func(m *TestMetadata, v string) { m.TestCaseID = v },
}

func main() {
	var input, outJSON, outMD, title string

	cmd := &cobra.Command{
		Use:          "report_gen",
		Short:        "Build test reports from go test -json output",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			module, err := modulePath("go.mod")
			if err != nil {
				return err
			}
			meta, err := scanMetadata(".", module)
			if err != nil {
				return err
			}
			report, err := buildReport(input, meta)
			if err != nil {
				return err
			}
			if err := writeFile(outJSON, mustJSON(report)); err != nil {
				return err
			}
			if err := writeFile(outMD, []byte(markdown(report, title))); err != nil {
				return err
			}
			if report.Failed > 0 {
				return fmt.Errorf("%d tests failed", report.Failed)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&input, "input", "", "go test -json output file")
	cmd.Flags().StringVar(&outJSON, "out-json", "", "JSON report path")
	cmd.Flags().StringVar(&outMD, "out-md", "", "Markdown report path")
	cmd.Flags().StringVar(&title, "title", "Test Report", "report title")
	for _, f := range []string{"input", "out-json", "out-md"} {
		_ = cmd.MarkFlagRequired(f)
	}

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func modulePath(goMod string) (string, error) {
	data, err := os.ReadFile(goMod)
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if rest, ok := strings.CutPrefix(strings.TrimSpace(line), "module "); ok {
			return strings.TrimSpace(rest), nil
		}
	}
	return "", fmt.Errorf("no module directive in %s", goMod)
}

func category(dir string) string {
	for _, c := range categories {
		if dir == c.dir || strings.HasPrefix(dir, c.dir+"/") {
			return c.name
		}
	}
	return otherCategory
}

// scanMetadata parses every _test.go file under root and returns the
// annotations of its Test functions keyed by "<import path>.<TestName>".
func scanMetadata(root, module string) (map[string]TestMetadata, error) {
	out := make(map[string]TestMetadata)
	fset := token.NewFileSet()

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && (strings.HasPrefix(d.Name(), "_") || d.Name() == "vendor" || d.Name() == ".git") {
			return filepath.SkipDir
		}
		if d.IsDir() || !strings.HasSuffix(path, "_test.go") {
			return nil
		}

		file, err := parser.ParseFile(fset, path, nil, parser.ParseComments)
		if err != nil {
			return nil
		}

		dir := filepath.ToSlash(filepath.Dir(path))
		pkg := module + "/" + dir
		for _, decl := range file.Decls {
			fn, ok := decl.(*ast.FuncDecl)
			if !ok || !strings.HasPrefix(fn.Name.Name, "Test") {
				continue
			}
			m := TestMetadata{Name: fn.Name.Name, Package: pkg, Category: category(dir)}
			if fn.Doc != nil {
				for _, c := range fn.Doc.List {
					text := strings.TrimSpace(strings.TrimPrefix(c.Text, "//"))
					for prefix, set := range annotationPrefixes {
						if v, ok := strings.CutPrefix(text, prefix); ok {
							set(&m, strings.TrimSpace(v))
						}
					}
				}
			}
			out[pkg+"."+fn.Name.Name] = m
		}
		return nil
	})
	return out, err
}

func buildReport(path string, meta map[string]TestMetadata) (*Report, error) {
	results := make(map[string]*TestResult, len(meta))
	for key, m := range meta {
		results[key] = &TestResult{Name: m.Name, Package: m.Package, Status: "not run", Annotations: m}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open test output: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var ev GoTestEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil || ev.Test == "" {
			continue
		}

		key := ev.Package + "." + ev.Test
		res, ok := results[key]
		if !ok {
			// Subtests inherit the annotations of their parent.
			parent, _, _ := strings.Cut(ev.Test, "/")
			m := meta[ev.Package+"."+parent]
			m.Name, m.Package = ev.Test, ev.Package
			if m.Category == "" {
				m.Category = otherCategory
			}
			res = &TestResult{Name: ev.Test, Package: ev.Package, Annotations: m}
			results[key] = res
		}

		switch ev.Action {
		case "pass", "fail":
			res.Status = ev.Action
			res.Elapsed = ev.Elapsed
		case "skip":
			res.Status = ev.Action
		case "output":
			res.Failure += ev.Output
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read test output: %w", err)
	}

	report := &Report{GeneratedAt: time.Now()}
	for _, r := range results {
		if r.Status != "fail" {
			r.Failure = ""
		}
		report.Results = append(report.Results, *r)
		report.Total++
		switch r.Status {
		case "pass":
			report.Passed++
		case "fail":
			report.Failed++
		case "skip":
			report.Skipped++
		}
	}
	slices.SortFunc(report.Results, func(a, b TestResult) int {
		if c := strings.Compare(a.Annotations.TestCaseID, b.Annotations.TestCaseID); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	return report, nil
}

var statusIcons = map[string]string{"pass": "✅", "fail": "❌", "skip": "⏭️", "not run": "⚪"}

func markdown(r *Report, title string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# tokenx %s\n\n", title)
	fmt.Fprintf(&sb, "**Generated:** %s  \n", r.GeneratedAt.Format("2006-01-02 15:04:05 MST"))
	status := "✅ PASSED"
	if r.Failed > 0 {
		status = "❌ FAILED"
	}
	fmt.Fprintf(&sb, "**Status:** %s\n\n", status)

	rate := 0.0
	if r.Total > 0 {
		rate = float64(r.Passed) / float64(r.Total) * 100
	}
	sb.WriteString("| Total | Passed | Failed | Skipped | Pass Rate |\n|---|---|---|---|---|\n")
	fmt.Fprintf(&sb, "| %d | %d | %d | %d | %.1f%% |\n\n", r.Total, r.Passed, r.Failed, r.Skipped, rate)

	byCategory := make(map[string][]TestResult)
	for _, t := range r.Results {
		byCategory[t.Annotations.Category] = append(byCategory[t.Annotations.Category], t)
	}
	order := make([]string, 0, len(categories)+1)
	for _, c := range categories {
		order = append(order, c.name)
	}
	order = append(order, otherCategory)

	for _, cat := range order {
		tests := byCategory[cat]
		if len(tests) == 0 {
			continue
		}
		fmt.Fprintf(&sb, "## %s\n\n| ID | Test | Status | Purpose | Security |\n|---|---|---|---|---|\n", cat)
		for _, t := range tests {
			fmt.Fprintf(&sb, "| %s | %s | %s | %s | %s |\n",
				t.Annotations.TestCaseID, t.Name, statusIcons[t.Status], t.Annotations.Purpose, t.Annotations.Security)
		}
		sb.WriteString("\n")
	}

	if r.Failed > 0 {
		sb.WriteString("## Failures\n\n")
		for _, t := range r.Results {
			if t.Status == "fail" {
				fmt.Fprintf(&sb, "### %s (%s)\n\n```\n%s\n```\n\n", t.Name, t.Package, t.Failure)
			}
		}
	}
	return sb.String()
}

func mustJSON(v any) []byte {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		panic(err)
	}
	return data
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
