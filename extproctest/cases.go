package extproctest

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"text/template"

	"github.com/stretchr/testify/require"
	"sigs.k8s.io/yaml"
)

type TestCases []Case

// Case describes one request sent through the ext_proc service and what its dynamic metadata should look like.
type Case struct {
	Name   string `json:"name"`
	Input  Input  `json:"input"`
	Expect Expect `json:"expect"`
}

type Input struct {
	Headers []HeaderValue `json:"headers"`
}

type HeaderValue struct {
	Key   string `json:"name"`
	Value string `json:"value"`
}

type Expect struct {
	Properties []PropertyMatch `json:"properties"`
}

type PropertyMatch struct {
	Path []string `json:"path"`
	StringMatch
}

func (in Input) header() http.Header {
	h := make(http.Header)
	for _, header := range in.Headers {
		h.Add(header.Key, header.Value)
	}
	return h
}

// Assert checks the properties carried by the dynamic metadata of a response.
func (e Expect) Assert(md func(path ...string) (string, bool)) error {
	for _, p := range e.Properties {
		value, present := md(p.Path...)
		if !p.Match(value, present) {
			return fmt.Errorf("property match fail: property %q should match %q=%q and it is %q (present: %t)", strings.Join(p.Path, "."), p.MatchType(), p.MatchValue(), value, present)
		}
	}
	return nil
}

func (c Case) Run(t *testing.T, h *Harness, namespace string) {
	t.Run(c.Name, func(t *testing.T) {
		stream := h.Open(t)
		resp := stream.RequestHeaders(c.Input.header(), true)
		require.NotNil(t, resp.GetRequestHeaders(), "expected a request headers response")
		err := c.Expect.Assert(func(path ...string) (string, bool) {
			return Property(resp, namespace, path...)
		})
		require.NoError(t, err)
		stream.Close()
	})
}

func (cases TestCases) Run(t *testing.T, h *Harness, namespace string) {
	for _, tt := range cases {
		tt.Run(t, h, namespace)
	}
}

var funcs = template.FuncMap{
	"base64": func(s string) string {
		return base64.StdEncoding.EncodeToString([]byte(s))
	},
}

// Load reads test cases from YAML documents separated by "---". Files are executed as templates first, with a
// base64 function available to encode header values.
func Load(t *testing.T, path string, templateData any) TestCases {
	t.Helper()
	if !strings.Contains(path, "testdata/") {
		path = fmt.Sprintf("testdata/%s", path)
	}

	tmpl, err := template.New(filepath.Base(path)).Funcs(funcs).ParseFiles(path)
	require.NoError(t, err)
	b := bytes.NewBuffer([]byte{})
	require.NoError(t, tmpl.Execute(b, templateData))

	var cases TestCases
	for _, doc := range bytes.Split(b.Bytes(), []byte("\n---")) {
		if len(bytes.TrimSpace(doc)) == 0 {
			continue
		}
		var tc Case
		require.NoError(t, yaml.Unmarshal(doc, &tc))
		cases = append(cases, tc)
	}
	return cases
}
