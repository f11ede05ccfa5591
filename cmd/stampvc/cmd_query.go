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
	"fmt"
	"strconv"

	"github.com/AleutianAI/stampvc/services/versioning/api"
	"github.com/AleutianAI/stampvc/services/versioning/engine"
	"github.com/AleutianAI/stampvc/services/versioning/taxonomy"
	"github.com/spf13/cobra"
)

func newCommitsCmd(c *cli) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "commits",
		Short: "List recent commits, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withEngine(cmd.Context(), func(e *engine.Engine) error {
				records, err := e.CommitLog(cmd.Context(), limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if c.wantJSON(out) {
					resp := api.CommitsResponse{Commits: make([]api.CommitResponse, 0, len(records))}
					for _, r := range records {
						resp.Commits = append(resp.Commits, api.NewCommitResponse(r))
					}
					return printJSON(out, resp)
				}
				rows := [][]string{{"TIME", "STAMPS", "CONCEPTS", "SEMANTICS", "COMMENT"}}
				for _, r := range records {
					rows = append(rows, []string{
						formatMillis(r.CommitTime),
						joinNids(r.StampSequences),
						joinNids(r.ConceptNids),
						joinNids(r.SemanticNids),
						r.Comment,
					})
				}
				return renderTable(out, rows)
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "records to show (0 for all)")
	return cmd
}

func newStampCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "stamp <sequence>",
		Short: "Show the stamp for a sequence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seq, err := strconv.ParseInt(args[0], 10, 32)
			if err != nil || seq <= 0 {
				return fmt.Errorf("invalid stamp sequence %q", args[0])
			}
			return c.withEngine(cmd.Context(), func(e *engine.Engine) error {
				s, err := e.Stamp(int32(seq))
				if err != nil {
					return err
				}
				resp := api.NewStampResponse(int32(seq), s)
				out := cmd.OutOrStdout()
				if c.wantJSON(out) {
					return printJSON(out, resp)
				}
				return renderTable(out, [][]string{
					{"SEQUENCE", "STATUS", "TIME", "AUTHOR", "MODULE", "PATH"},
					{
						strconv.Itoa(int(seq)), resp.Status, formatMillis(resp.Time),
						strconv.Itoa(int(resp.AuthorNid)), strconv.Itoa(int(resp.ModuleNid)), strconv.Itoa(int(resp.PathNid)),
					},
				})
			})
		},
	}
}

func newTaxonomyCmd(c *cli) *cobra.Command {
	var (
		premiseName string
		at          int64
	)
	cmd := &cobra.Command{
		Use:   "taxonomy [flags] -- <nid>",
		Short: "Show a concept's parents, children and roles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			nid, err := parseNidArg(args[0])
			if err != nil {
				return err
			}
			premise, err := taxonomy.ParsePremise(premiseName)
			if err != nil {
				return err
			}
			return c.withEngine(cmd.Context(), func(e *engine.Engine) error {
				if !e.IsConcept(nid) {
					return fmt.Errorf("%w: %d", engine.ErrNotConcept, nid)
				}
				snap, err := e.TaxonomySnapshot(premise, at)
				if err != nil {
					return err
				}
				ctx := cmd.Context()
				resp := api.TaxonomyResponse{Nid: nid, Premise: premise.String(), Time: at}
				if resp.Active, err = snap.IsActive(ctx, nid); err != nil {
					return err
				}
				if resp.Parents, err = snap.Parents(ctx, nid); err != nil {
					return err
				}
				if resp.Children, err = snap.Children(ctx, nid); err != nil {
					return err
				}
				if resp.Roles, err = snap.Roles(ctx, nid); err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if c.wantJSON(out) {
					return printJSON(out, resp)
				}
				rows := [][]string{
					{"NID", strconv.Itoa(int(nid))},
					{"PREMISE", resp.Premise},
					{"ACTIVE", strconv.FormatBool(resp.Active)},
					{"PARENTS", joinNids(resp.Parents)},
					{"CHILDREN", joinNids(resp.Children)},
				}
				for _, r := range resp.Roles {
					rows = append(rows, []string{"ROLE", fmt.Sprintf("%d -> %d", r.TypeNid, r.DestinationNid)})
				}
				return renderTable(out, rows)
			})
		},
	}
	cmd.Flags().StringVar(&premiseName, "premise", "stated", `"stated" or "inferred"`)
	cmd.Flags().Int64Var(&at, "time", 0, "view at this epoch millisecond (0 for latest)")
	return cmd
}

func newRebuildCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-taxonomy",
		Short: "Recompute taxonomy records for every stored chronology",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withEngine(cmd.Context(), func(e *engine.Engine) error {
				n, err := e.RebuildTaxonomy(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "rebuilt taxonomy from %d chronologies\n", n)
				return nil
			})
		},
	}
}
