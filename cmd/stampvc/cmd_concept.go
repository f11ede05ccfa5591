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
	"io"
	"strings"

	"github.com/AleutianAI/stampvc/services/versioning/api"
	"github.com/AleutianAI/stampvc/services/versioning/commit"
	"github.com/AleutianAI/stampvc/services/versioning/engine"
	"github.com/AleutianAI/stampvc/services/versioning/taxonomy"
	"github.com/spf13/cobra"
)

func newConceptCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "concept",
		Short: "Create, redefine and retire concepts",
	}
	cmd.AddCommand(newConceptAddCmd(c), newConceptRedefineCmd(c), newConceptRetireCmd(c))
	return cmd
}

// definitionFlags collects --parent and --role flags.
type definitionFlags struct {
	parents []string
	roles   []string
	comment string
}

func (f *definitionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVarP(&f.parents, "parent", "p", nil, "parent nid (repeatable)")
	cmd.Flags().StringSliceVarP(&f.roles, "role", "r", nil, "role as type:destination nids (repeatable)")
	cmd.Flags().StringVarP(&f.comment, "message", "m", "", "commit comment")
}

func (f *definitionFlags) definition() (engine.Definition, error) {
	parents, err := parseNidList(f.parents)
	if err != nil {
		return engine.Definition{}, err
	}
	def := engine.Definition{Parents: parents}
	for _, r := range f.roles {
		typ, dest, ok := strings.Cut(r, ":")
		if !ok {
			return engine.Definition{}, fmt.Errorf("invalid role %q: want type:destination", r)
		}
		nids, err := parseNidList([]string{typ, dest})
		if err != nil {
			return engine.Definition{}, err
		}
		def.Roles = append(def.Roles, taxonomy.Relationship{TypeNid: nids[0], DestinationNid: nids[1]})
	}
	return def, nil
}

func (c *cli) printConceptCommit(out io.Writer, nid int32, rec *commit.CommitRecord) error {
	if c.wantJSON(out) {
		return printJSON(out, api.ConceptCommitResponse{Nid: nid, Commit: api.NewCommitResponse(*rec)})
	}
	_, err := fmt.Fprintf(out, "%s concept %d at %s %s\n",
		styles.success.Render("committed"), nid, formatMillis(rec.CommitTime),
		styles.muted.Render("(stamps "+joinNids(rec.StampSequences)+")"))
	return err
}

func newConceptAddCmd(c *cli) *cobra.Command {
	var f definitionFlags
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a concept; with no parents it is primitive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			def, err := f.definition()
			if err != nil {
				return err
			}
			return c.withEngine(cmd.Context(), func(e *engine.Engine) error {
				nid, rec, err := e.DefineConcept(cmd.Context(), def, f.comment)
				if err != nil {
					return err
				}
				return c.printConceptCommit(cmd.OutOrStdout(), nid, rec)
			})
		},
	}
	f.register(cmd)
	return cmd
}

func newConceptRedefineCmd(c *cli) *cobra.Command {
	var f definitionFlags
	cmd := &cobra.Command{
		Use:   "redefine [flags] -- <nid>",
		Short: "Replace a concept's stated definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			nid, err := parseNidArg(args[0])
			if err != nil {
				return err
			}
			def, err := f.definition()
			if err != nil {
				return err
			}
			return c.withEngine(cmd.Context(), func(e *engine.Engine) error {
				rec, err := e.Redefine(cmd.Context(), nid, def, f.comment)
				if err != nil {
					return err
				}
				return c.printConceptCommit(cmd.OutOrStdout(), nid, rec)
			})
		},
	}
	f.register(cmd)
	return cmd
}

func newConceptRetireCmd(c *cli) *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "retire [flags] -- <nid>",
		Short: "Commit an inactive version of a concept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			nid, err := parseNidArg(args[0])
			if err != nil {
				return err
			}
			return c.withEngine(cmd.Context(), func(e *engine.Engine) error {
				rec, err := e.RetireConcept(cmd.Context(), nid, comment)
				if err != nil {
					return err
				}
				return c.printConceptCommit(cmd.OutOrStdout(), nid, rec)
			})
		},
	}
	cmd.Flags().StringVarP(&comment, "message", "m", "", "commit comment")
	return cmd
}
