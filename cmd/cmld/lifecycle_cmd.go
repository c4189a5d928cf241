package main

import (
	"context"
	"fmt"
	"time"

	"github.com/goombaio/namegenerator"
	"github.com/google/uuid"

	cmld "github.com/cmld/cmld"
	"github.com/cmld/cmld/config"
)

// CreateCmd registers a new compartment from a decoded YAML config file. A
// missing name is filled in with a generated one, the same way the teacher
// mints a sandbox ID when the caller doesn't supply one.
type CreateCmd struct {
	ConfigFile string `arg:"" help:"path to the compartment's YAML config file"`
	Name       string `short:"n" help:"compartment name; generated if omitted"`
}

func (c *CreateCmd) Run(cctx *Context) error {
	ctx := context.Background()

	cfg, err := config.LoadContainer(config.YAMLDecoder{}, c.ConfigFile)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	if cfg.UUID == "" {
		cfg.UUID = uuid.NewString()
	}
	if c.Name != "" {
		cfg.Name = c.Name
	}
	if cfg.Name == "" {
		cfg.Name = namegenerator.NewNameGenerator(time.Now().UTC().UnixNano()).Generate()
	}

	mc, err := cmld.NewMuxClient(ctx, cctx.SocketPath)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	status, err := mc.Create(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	fmt.Printf("created compartment %s (%s)\n", status.UUID, status.Name)
	return nil
}

type StartCmd struct {
	UUID string `arg:""`
}

func (c *StartCmd) Run(cctx *Context) error {
	mc, err := cmld.NewMuxClient(context.Background(), cctx.SocketPath)
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}
	return mc.Start(context.Background(), c.UUID)
}

type StopCmd struct {
	UUID string `arg:""`
}

func (c *StopCmd) Run(cctx *Context) error {
	mc, err := cmld.NewMuxClient(context.Background(), cctx.SocketPath)
	if err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	return mc.Stop(context.Background(), c.UUID)
}

type FreezeCmd struct {
	UUID string `arg:""`
}

func (c *FreezeCmd) Run(cctx *Context) error {
	mc, err := cmld.NewMuxClient(context.Background(), cctx.SocketPath)
	if err != nil {
		return fmt.Errorf("freeze: %w", err)
	}
	return mc.Freeze(context.Background(), c.UUID)
}

type UnfreezeCmd struct {
	UUID string `arg:""`
}

func (c *UnfreezeCmd) Run(cctx *Context) error {
	mc, err := cmld.NewMuxClient(context.Background(), cctx.SocketPath)
	if err != nil {
		return fmt.Errorf("unfreeze: %w", err)
	}
	return mc.Unfreeze(context.Background(), c.UUID)
}

type RebootCmd struct {
	UUID string `arg:""`
}

func (c *RebootCmd) Run(cctx *Context) error {
	mc, err := cmld.NewMuxClient(context.Background(), cctx.SocketPath)
	if err != nil {
		return fmt.Errorf("reboot: %w", err)
	}
	return mc.Reboot(context.Background(), c.UUID)
}

type AttachTokenCmd struct {
	UUID string `arg:""`
}

func (c *AttachTokenCmd) Run(cctx *Context) error {
	mc, err := cmld.NewMuxClient(context.Background(), cctx.SocketPath)
	if err != nil {
		return fmt.Errorf("attach-token: %w", err)
	}
	return mc.AttachToken(context.Background(), c.UUID)
}
