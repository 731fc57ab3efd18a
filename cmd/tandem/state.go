package main

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/outofforest/tandem/store"
)

type stateOptions struct {
	*rootOptions

	StorePath string
}

func (o *stateOptions) open(ctx context.Context) (*store.SQLite, error) {
	path := o.StorePath
	if path == "" {
		cfg, err := o.config()
		if err != nil {
			return nil, err
		}
		path = cfg.StorePath
	}
	return store.OpenSQLite(ctx, path)
}

func newStateCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &stateOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect the synchronization state stored in the document",
	}
	cmd.PersistentFlags().StringVar(&opts.StorePath, "store", "", "path to the document state database")

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the synchronization state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kv, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer kv.Close()

			return showState(cmd.Context(), store.NewState(kv), cmd.OutOrStdout())
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clean",
		Short: "Remove the synchronization state, next connection starts from scratch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kv, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer kv.Close()

			return store.NewState(kv).Clean(cmd.Context())
		},
	})

	return cmd
}

func showState(ctx context.Context, state *store.State, out io.Writer) error {
	lastUpdate, err := state.LastUpdate(ctx)
	if err != nil {
		return err
	}
	gpid, joined, err := state.GPID(ctx)
	if err != nil {
		return err
	}
	srv, err := state.Server(ctx)
	if err != nil {
		return err
	}
	mask, hasMask, err := state.Options(ctx)
	if err != nil {
		return err
	}

	project := "none"
	if joined {
		project = gpid.String()
	}
	_, _ = fmt.Fprintf(out, "project:     %s\n", project)
	_, _ = fmt.Fprintf(out, "last update: %d\n", lastUpdate)
	if srv.Host != "" {
		_, _ = fmt.Fprintf(out, "server:      %s:%d\n", srv.Host, srv.Port)
	}
	if srv.User != "" {
		_, _ = fmt.Fprintf(out, "user:        %s\n", srv.User)
	}
	if hasMask {
		_, _ = fmt.Fprintf(out, "publish:     %#x\n", mask.Publish)
		_, _ = fmt.Fprintf(out, "subscribe:   %#x\n", mask.Subscribe)
	}

	for _, m := range []struct {
		title string
		tag   store.NameTag
	}{
		{title: "enums", tag: store.TagEnum},
		{title: "structs", tag: store.TagStruct},
	} {
		names, err := state.Names(ctx, m.tag)
		if err != nil {
			return err
		}
		if len(names) == 0 {
			continue
		}
		_, _ = fmt.Fprintf(out, "%s:\n", m.title)
		for _, id := range slices.Sorted(maps.Keys(names)) {
			_, _ = fmt.Fprintf(out, "  %#x %s\n", id, names[id])
		}
	}
	return nil
}
