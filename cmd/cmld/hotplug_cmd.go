package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	cmld "github.com/cmld/cmld"
	"github.com/cmld/cmld/types"
)

type RegisterUSBCmd struct {
	CompartmentUUID string `arg:""`
	VendorID        uint16 `required:"" help:"USB vendor ID, e.g. 0x0781"`
	ProductID       uint16 `required:"" help:"USB product ID"`
	Serial          string `help:"USB device serial number, if the device reports one"`
}

func (c *RegisterUSBCmd) Run(cctx *Context) error {
	mc, err := cmld.NewMuxClient(context.Background(), cctx.SocketPath)
	if err != nil {
		return fmt.Errorf("register-usb: %w", err)
	}
	return mc.RegisterUSB(context.Background(), types.USBMapping{
		CompartmentUUID: c.CompartmentUUID,
		VendorID:        c.VendorID,
		ProductID:       c.ProductID,
		Serial:          c.Serial,
	})
}

type UnregisterUSBCmd struct {
	CompartmentUUID string `arg:""`
	VendorID        uint16 `required:""`
	ProductID       uint16 `required:""`
	Serial          string
}

func (c *UnregisterUSBCmd) Run(cctx *Context) error {
	mc, err := cmld.NewMuxClient(context.Background(), cctx.SocketPath)
	if err != nil {
		return fmt.Errorf("unregister-usb: %w", err)
	}
	return mc.UnregisterUSB(context.Background(), types.USBMapping{
		CompartmentUUID: c.CompartmentUUID,
		VendorID:        c.VendorID,
		ProductID:       c.ProductID,
		Serial:          c.Serial,
	})
}

func parseMAC(s string) ([6]byte, error) {
	var mac [6]byte
	raw, err := hex.DecodeString(strings.ReplaceAll(s, ":", ""))
	if err != nil || len(raw) != 6 {
		return mac, fmt.Errorf("invalid MAC address %q", s)
	}
	copy(mac[:], raw)
	return mac, nil
}

type RegisterNetCmd struct {
	CompartmentUUID string `arg:""`
	MAC             string `required:"" help:"host interface MAC address, e.g. aa:bb:cc:dd:ee:ff"`
}

func (c *RegisterNetCmd) Run(cctx *Context) error {
	mac, err := parseMAC(c.MAC)
	if err != nil {
		return err
	}
	mc, err := cmld.NewMuxClient(context.Background(), cctx.SocketPath)
	if err != nil {
		return fmt.Errorf("register-net: %w", err)
	}
	return mc.RegisterNet(context.Background(), types.NetMapping{
		CompartmentUUID: c.CompartmentUUID,
		MAC:             mac,
	})
}

type UnregisterNetCmd struct {
	MAC string `arg:"" help:"host interface MAC address, e.g. aa:bb:cc:dd:ee:ff"`
}

func (c *UnregisterNetCmd) Run(cctx *Context) error {
	mac, err := parseMAC(c.MAC)
	if err != nil {
		return err
	}
	mc, err := cmld.NewMuxClient(context.Background(), cctx.SocketPath)
	if err != nil {
		return fmt.Errorf("unregister-net: %w", err)
	}
	return mc.UnregisterNet(context.Background(), mac)
}
