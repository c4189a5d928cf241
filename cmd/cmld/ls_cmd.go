package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	cmld "github.com/cmld/cmld"
)

type LsCmd struct{}

func (c *LsCmd) Run(cctx *Context) error {
	ctx := context.Background()
	mc, err := cmld.NewMuxClient(ctx, cctx.SocketPath)
	if err != nil {
		return fmt.Errorf("ls: %w", err)
	}

	list, err := mc.List(ctx)
	if err != nil {
		return fmt.Errorf("ls: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "UUID\tNAME\tSTATE\tPID")
	for _, s := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", s.UUID, s.Name, s.State, s.PID)
	}
	return w.Flush()
}
