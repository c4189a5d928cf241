package modules

import (
	"context"
	"fmt"

	"github.com/cmld/cmld/types"
)

// TokenClient is the subset of the credential collaborator's protocol this
// hook needs. It is an interface rather than a concrete import of package
// credential so that modules never depends on the daemon's transport
// choice — only the root package wires a concrete client in.
type TokenClient interface {
	UnlockToken(ctx context.Context, compartmentUUID string) (<-chan error, error)
	UnwrapKey(ctx context.Context, compartmentUUID, keyName string) ([]byte, error)
}

// SmartcardModule gates a compartment's startup on its token (smartcard or
// TPM-backed) being unlocked, and stages any unwrapped volume keys the
// volumes hook will need later in the sequence. Unlocking is asynchronous
// — it may require a user PIN round trip — so Start returns Pending and
// resumes once the collaborator's notification channel fires.
type SmartcardModule struct {
	Client TokenClient
}

func (m *SmartcardModule) Descriptor() types.ModuleDescriptor {
	return types.ModuleDescriptor{Name: "smartcard"}
}

func (m *SmartcardModule) Start(ctx context.Context, c *Context) (Result, error) {
	if m.Client == nil {
		return Done, nil
	}
	needsToken := false
	for _, u := range c.Config.USBMappings {
		if u.Kind == types.USBToken {
			needsToken = true
			break
		}
	}
	if !needsToken {
		return Done, nil
	}

	done, err := m.Client.UnlockToken(ctx, c.UUID)
	if err != nil {
		return Result{}, fmt.Errorf("modules: smartcard: unlock: %w", err)
	}

	return Result{
		Pending: true,
		Continue: func(ctx context.Context) error {
			if err := <-done; err != nil {
				return fmt.Errorf("modules: smartcard: unlock failed: %w", err)
			}
			for _, v := range c.Config.Volumes {
				if !v.Encrypted {
					continue
				}
				key, err := m.Client.UnwrapKey(ctx, c.UUID, v.Name)
				if err != nil {
					return fmt.Errorf("modules: smartcard: unwrap key for %s: %w", v.Name, err)
				}
				keyFile, err := stageKeyFile(c.UUID, v.Name, key)
				if err != nil {
					return err
				}
				c.Set("volume_key_"+v.Name, keyFile)
			}
			return nil
		},
	}, nil
}

func (m *SmartcardModule) Cleanup(ctx context.Context, c *Context) error {
	return nil
}
