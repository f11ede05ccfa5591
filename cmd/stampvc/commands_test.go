// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/AleutianAI/stampvc/services/versioning/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// harness runs CLI commands against a private config and data directory.
type harness struct {
	t          *testing.T
	configPath string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("STAMPVC_DATA_DIR", filepath.Join(dir, "data"))
	t.Setenv("STAMPVC_LOG_LEVEL", "error")
	return &harness{t: t, configPath: filepath.Join(dir, "stampvc.yaml")}
}

func (h *harness) run(args ...string) (string, error) {
	h.t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", h.configPath, "--quiet"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (h *harness) mustRun(args ...string) string {
	h.t.Helper()
	out, err := h.run(args...)
	require.NoError(h.t, err, out)
	return out
}

func TestVersionCmd(t *testing.T) {
	h := newHarness(t)
	assert.Contains(t, h.mustRun("version"), "stampvc")
}

func TestConfigInit(t *testing.T) {
	h := newHarness(t)
	assert.Contains(t, h.mustRun("config", "init"), h.configPath)

	_, err := h.run("config", "init")
	assert.ErrorContains(t, err, "already exists")
	h.mustRun("config", "init", "--force")

	out := h.mustRun("config", "show")
	assert.Contains(t, out, "taxonomy:")
	assert.Contains(t, out, "127.0.0.1:8085")
}

func TestConceptWorkflow(t *testing.T) {
	h := newHarness(t)

	var root api.ConceptCommitResponse
	require.NoError(t, json.Unmarshal([]byte(h.mustRun("concept", "add", "-m", "root")), &root))
	assert.Negative(t, root.Nid)

	var child api.ConceptCommitResponse
	out := h.mustRun("concept", "add", "-p", strconv.Itoa(int(root.Nid)), "-m", "child")
	require.NoError(t, json.Unmarshal([]byte(out), &child))

	var tax api.TaxonomyResponse
	out = h.mustRun("taxonomy", "--", strconv.Itoa(int(root.Nid)))
	require.NoError(t, json.Unmarshal([]byte(out), &tax))
	assert.Equal(t, []int32{child.Nid}, tax.Children)
	assert.True(t, tax.Active)

	var commits api.CommitsResponse
	require.NoError(t, json.Unmarshal([]byte(h.mustRun("commits")), &commits))
	require.Len(t, commits.Commits, 2)
	assert.Equal(t, "child", commits.Commits[0].Comment)

	seq := child.Commit.StampSequences[0]
	var st api.StampResponse
	require.NoError(t, json.Unmarshal([]byte(h.mustRun("stamp", fmt.Sprint(seq))), &st))
	assert.Equal(t, "ACTIVE", st.Status)

	h.mustRun("concept", "retire", "--", strconv.Itoa(int(child.Nid)))
	out = h.mustRun("taxonomy", "--", strconv.Itoa(int(child.Nid)))
	require.NoError(t, json.Unmarshal([]byte(out), &tax))
	assert.False(t, tax.Active)

	assert.Contains(t, h.mustRun("rebuild-taxonomy"), "rebuilt taxonomy")
}

func TestCommandErrors(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"positive nid", []string{"taxonomy", "5"}, "invalid nid"},
		{"bad premise", []string{"taxonomy", "--premise", "guessed", "--", "-5"}, "unknown premise"},
		{"bad role", []string{"concept", "add", "-p", "-1", "-r", "nope"}, "invalid role"},
		{"bad sequence", []string{"stamp", "zero"}, "invalid stamp sequence"},
		{"roles without parents", []string{"concept", "add", "-r", "-1:-2"}, "at least one parent"},
		{"unknown concept", []string{"concept", "retire", "--", "-999999"}, "not a concept"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.run(tt.args...)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestDefinitionFlags(t *testing.T) {
	f := definitionFlags{parents: []string{"-3", " -4"}, roles: []string{"-5:-6"}}
	def, err := f.definition()
	require.NoError(t, err)
	assert.Equal(t, []int32{-3, -4}, def.Parents)
	require.Len(t, def.Roles, 1)
	assert.Equal(t, int32(-5), def.Roles[0].TypeNid)
	assert.Equal(t, int32(-6), def.Roles[0].DestinationNid)
}

func TestTableOutput(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, table(&buf, [][]string{{"A", "BB"}, {"ccc", "d"}}))
	assert.Equal(t, "A    BB\nccc  d\n", buf.String())
	assert.Equal(t, "-", joinNids(nil))
	assert.Equal(t, "-1,-2", joinNids([]int32{-1, -2}))
}

func TestRenderTableKeepsBody(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, renderTable(&buf, [][]string{{"NID", "ACTIVE"}, {"-7", "true"}}))
	out := buf.String()
	assert.Contains(t, out, "NID")
	assert.True(t, strings.HasSuffix(out, "-7   true\n"), out)
}
