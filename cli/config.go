package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/yllada/vpn-sessiond/bus"
	"github.com/yllada/vpn-sessiond/common"
)

type cmdConfig struct {
	global *cmdGlobal
}

func (c *cmdConfig) Command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = "config"
	cmd.Aliases = []string{"configs"}
	cmd.Short = "Manage VPN profiles"
	cmd.Long = `Manage the VPN profiles held by the configuration service.

A profile is addressed by its object path, its alias or its name.`

	// Import
	configImportCmd := cmdConfigImport{global: c.global, config: c}
	cmd.AddCommand(configImportCmd.Command())

	// List
	configListCmd := cmdConfigList{global: c.global, config: c}
	cmd.AddCommand(configListCmd.Command())

	// Show
	configShowCmd := cmdConfigShow{global: c.global, config: c}
	cmd.AddCommand(configShowCmd.Command())

	// Remove
	configRemoveCmd := cmdConfigRemove{global: c.global, config: c}
	cmd.AddCommand(configRemoveCmd.Command())

	// Seal
	configSealCmd := cmdConfigSeal{global: c.global, config: c}
	cmd.AddCommand(configSealCmd.Command())

	// Set
	configSetCmd := cmdConfigSet{global: c.global, config: c}
	cmd.AddCommand(configSetCmd.Command())

	// Grant and revoke
	configGrantCmd := cmdConfigAccess{global: c.global, config: c, revoke: false}
	cmd.AddCommand(configGrantCmd.Command())
	configRevokeCmd := cmdConfigAccess{global: c.global, config: c, revoke: true}
	cmd.AddCommand(configRevokeCmd.Command())

	// ACL
	configACLCmd := cmdConfigACL{global: c.global, config: c}
	cmd.AddCommand(configACLCmd.Command())

	// Workaround for subcommand usage errors. See: https://github.com/spf13/cobra/issues/706
	cmd.Args = cobra.NoArgs
	cmd.Run = func(cmd *cobra.Command, args []string) { _ = cmd.Usage() }
	return cmd
}

// with runs fn against the configuration service.
func (c *cmdConfig) with(cmd *cobra.Command, fn func(ctx context.Context, p *bus.ConfigurationProxy) error) error {
	ctx, cancel := c.global.clientContext(cmd)
	defer cancel()

	conn, configs, _, err := c.global.clients(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	return fn(ctx, configs)
}

// configLookup is the part of the configuration service used to find a
// profile from user input.
type configLookup interface {
	ResolvePath(ctx context.Context, target string) (string, error)
	LookupConfigName(ctx context.Context, name string) ([]string, error)
}

// resolveConfig turns an object path, an alias or a unique profile name
// into an object path.
func resolveConfig(ctx context.Context, p configLookup, target string) (string, error) {
	if !common.IsAlias(target) {
		return target, nil
	}

	if common.ValidAlias(target) {
		path, err := p.ResolvePath(ctx, target)
		if err == nil {
			return path, nil
		}
		if common.Kind(err) != common.KindNotFound {
			return "", err
		}
	}

	paths, err := p.LookupConfigName(ctx, target)
	if err != nil {
		return "", err
	}
	return unique("configuration", target, paths)
}

func unique(what, target string, paths []string) (string, error) {
	switch len(paths) {
	case 0:
		return "", &common.NotFoundError{What: what, Key: target}
	case 1:
		return paths[0], nil
	default:
		return "", fmt.Errorf("%w: %q matches %d of your %ss, use the object path", common.ErrInvalidArgument, target, len(paths), what)
	}
}

// Import.
type cmdConfigImport struct {
	global *cmdGlobal
	config *cmdConfig

	flagName       string
	flagAlias      string
	flagSingleUse  bool
	flagPersistent bool
}

func (c *cmdConfigImport) Command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = "import <file>"
	cmd.Short = "Import a profile"
	cmd.Long = `Import an OpenVPN profile. The new object path is printed.`
	cmd.Args = cobra.ExactArgs(1)
	cmd.RunE = c.Run

	cmd.Flags().StringVarP(&c.flagName, "name", "n", "", "Profile name (defaults to the file name)"+"``")
	cmd.Flags().StringVar(&c.flagAlias, "alias", "", "Alias to register for the profile"+"``")
	cmd.Flags().BoolVar(&c.flagSingleUse, "single-use", false, "Remove the profile after its first session")
	cmd.Flags().BoolVar(&c.flagPersistent, "persistent", false, "Keep the profile across daemon restarts")
	return cmd
}

func (c *cmdConfigImport) Run(cmd *cobra.Command, args []string) error {
	blob, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read profile: %w", err)
	}

	name := c.flagName
	if name == "" {
		name = filepath.Base(args[0])
	}

	return c.config.with(cmd, func(ctx context.Context, p *bus.ConfigurationProxy) error {
		path, err := p.Import(ctx, name, string(blob), c.flagSingleUse, c.flagPersistent)
		if err != nil {
			return err
		}
		if c.flagAlias != "" {
			if err := p.SetProperty(ctx, path, bus.PropAlias, c.flagAlias); err != nil {
				return fmt.Errorf("imported as %s, but setting the alias failed: %w", path, err)
			}
		}
		fmt.Fprintln(c.global.out, path)
		return nil
	})
}

// List.
type cmdConfigList struct {
	global *cmdGlobal
	config *cmdConfig
}

func (c *cmdConfigList) Command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = "list"
	cmd.Aliases = []string{"ls"}
	cmd.Short = "List the profiles you can access"
	cmd.Args = cobra.NoArgs
	cmd.RunE = c.Run
	return cmd
}

func (c *cmdConfigList) Run(cmd *cobra.Command, args []string) error {
	return c.config.with(cmd, func(ctx context.Context, p *bus.ConfigurationProxy) error {
		paths, err := p.FetchAvailableConfigs(ctx)
		if err != nil {
			return err
		}

		tw := newTable(c.global.out, "ID", "NAME", "ALIAS", "OWNER", "FLAGS", "IMPORTED", "USED")
		for _, path := range paths {
			props, err := p.Properties(ctx, path)
			if err != nil {
				// Removed between the two calls.
				common.LogDebug("Skipping %s: %v", path, err)
				continue
			}

			alias := props.Alias
			if alias == "" {
				alias = "-"
			}
			flags := ""
			for _, f := range []struct {
				on bool
				c  byte
			}{{props.Sealed, 's'}, {props.LockedDown, 'l'}, {props.PublicAccess, 'p'}, {props.Persistent, 'P'}, {props.SingleUse, '1'}} {
				if f.on {
					flags += string(f.c)
				}
			}
			if flags == "" {
				flags = "-"
			}

			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%d\n",
				shortPath(path), props.Name, alias, props.Owner, flags,
				props.ImportedAt.Local().Format(time.DateTime), props.UsedCount)
		}
		return tw.Flush()
	})
}

// Show.
type cmdConfigShow struct {
	global *cmdGlobal
	config *cmdConfig

	flagJSON    bool
	flagProfile bool
}

func (c *cmdConfigShow) Command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = "show <profile>"
	cmd.Short = "Show the properties of a profile"
	cmd.Args = cobra.ExactArgs(1)
	cmd.RunE = c.Run

	cmd.Flags().BoolVar(&c.flagJSON, "json", false, "Print the profile and its properties as JSON")
	cmd.Flags().BoolVar(&c.flagProfile, "profile", false, "Print the profile text")
	cmd.MarkFlagsMutuallyExclusive("json", "profile")
	return cmd
}

func (c *cmdConfigShow) Run(cmd *cobra.Command, args []string) error {
	return c.config.with(cmd, func(ctx context.Context, p *bus.ConfigurationProxy) error {
		path, err := resolveConfig(ctx, p, args[0])
		if err != nil {
			return err
		}

		switch {
		case c.flagJSON:
			doc, err := p.FetchJSON(ctx, path)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.global.out, doc)
			return nil
		case c.flagProfile:
			blob, err := p.Fetch(ctx, path)
			if err != nil {
				return err
			}
			fmt.Fprint(c.global.out, blob)
			return nil
		}

		props, err := p.Properties(ctx, path)
		if err != nil {
			return err
		}

		lastUsed := "never"
		if !props.LastUsedAt.IsZero() {
			lastUsed = props.LastUsedAt.Local().Format(time.DateTime)
		}

		out := c.global.out
		fmt.Fprintf(out, "Path:          %s\n", props.Path)
		fmt.Fprintf(out, "Name:          %s\n", props.Name)
		if props.Alias != "" {
			fmt.Fprintf(out, "Alias:         %s\n", props.Alias)
		}
		fmt.Fprintf(out, "Owner:         %d\n", props.Owner)
		fmt.Fprintf(out, "Access list:   %s\n", formatUIDs(props.ACL))
		fmt.Fprintf(out, "Public access: %t\n", props.PublicAccess)
		fmt.Fprintf(out, "Locked down:   %t\n", props.LockedDown)
		fmt.Fprintf(out, "Persist tun:   %t\n", props.PersistTun)
		fmt.Fprintf(out, "Sealed:        %t\n", props.Sealed)
		fmt.Fprintf(out, "Single use:    %t\n", props.SingleUse)
		fmt.Fprintf(out, "Persistent:    %t\n", props.Persistent)
		fmt.Fprintf(out, "Imported:      %s\n", props.ImportedAt.Local().Format(time.DateTime))
		fmt.Fprintf(out, "Last used:     %s\n", lastUsed)
		fmt.Fprintf(out, "Used count:    %d\n", props.UsedCount)
		return nil
	})
}

// Remove.
type cmdConfigRemove struct {
	global *cmdGlobal
	config *cmdConfig
}

func (c *cmdConfigRemove) Command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = "remove <profile>"
	cmd.Aliases = []string{"rm"}
	cmd.Short = "Remove a profile"
	cmd.Args = cobra.ExactArgs(1)
	cmd.RunE = c.Run
	return cmd
}

func (c *cmdConfigRemove) Run(cmd *cobra.Command, args []string) error {
	return c.config.with(cmd, func(ctx context.Context, p *bus.ConfigurationProxy) error {
		path, err := resolveConfig(ctx, p, args[0])
		if err != nil {
			return err
		}
		return p.Remove(ctx, path)
	})
}

// Seal.
type cmdConfigSeal struct {
	global *cmdGlobal
	config *cmdConfig
}

func (c *cmdConfigSeal) Command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = "seal <profile>"
	cmd.Short = "Make a profile read-only"
	cmd.Long = `Make a profile read-only. Sealing cannot be undone.`
	cmd.Args = cobra.ExactArgs(1)
	cmd.RunE = c.Run
	return cmd
}

func (c *cmdConfigSeal) Run(cmd *cobra.Command, args []string) error {
	return c.config.with(cmd, func(ctx context.Context, p *bus.ConfigurationProxy) error {
		path, err := resolveConfig(ctx, p, args[0])
		if err != nil {
			return err
		}
		return p.Seal(ctx, path)
	})
}

// Set.
type cmdConfigSet struct {
	global *cmdGlobal
	config *cmdConfig
}

func (c *cmdConfigSet) Command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = "set <profile> <property> <value>"
	cmd.Short = "Change a profile property"
	cmd.Long = `Change a profile property.

Writable properties: name, alias, public_access, locked_down, persist_tun.`
	cmd.Args = cobra.ExactArgs(3)
	cmd.RunE = c.Run
	return cmd
}

func (c *cmdConfigSet) Run(cmd *cobra.Command, args []string) error {
	value, err := configValue(args[1], args[2])
	if err != nil {
		return err
	}

	return c.config.with(cmd, func(ctx context.Context, p *bus.ConfigurationProxy) error {
		path, err := resolveConfig(ctx, p, args[0])
		if err != nil {
			return err
		}
		return p.SetProperty(ctx, path, args[1], value)
	})
}

// configValue converts a command line value to the type of a writable
// profile property.
func configValue(prop, raw string) (interface{}, error) {
	switch prop {
	case bus.PropName, bus.PropAlias:
		return raw, nil
	case bus.PropPublicAccess, bus.PropLockedDown, bus.PropPersistTun:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s expects true or false", common.ErrInvalidArgument, prop)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("%w: %s is not a writable property", common.ErrInvalidArgument, prop)
	}
}

// Grant and revoke.
type cmdConfigAccess struct {
	global *cmdGlobal
	config *cmdConfig
	revoke bool
}

func (c *cmdConfigAccess) Command() *cobra.Command {
	cmd := &cobra.Command{}
	if c.revoke {
		cmd.Use = "revoke <profile> <uid>"
		cmd.Short = "Remove a user from the access list of a profile"
	} else {
		cmd.Use = "grant <profile> <uid>"
		cmd.Short = "Add a user to the access list of a profile"
	}
	cmd.Args = cobra.ExactArgs(2)
	cmd.RunE = c.Run
	return cmd
}

func (c *cmdConfigAccess) Run(cmd *cobra.Command, args []string) error {
	uid, err := parseUID(args[1])
	if err != nil {
		return err
	}

	return c.config.with(cmd, func(ctx context.Context, p *bus.ConfigurationProxy) error {
		path, err := resolveConfig(ctx, p, args[0])
		if err != nil {
			return err
		}
		if c.revoke {
			return p.AccessRevoke(ctx, path, uid)
		}
		return p.AccessGrant(ctx, path, uid)
	})
}

// ACL.
type cmdConfigACL struct {
	global *cmdGlobal
	config *cmdConfig
}

func (c *cmdConfigACL) Command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = "acl <profile>"
	cmd.Short = "Show who may use a profile"
	cmd.Args = cobra.ExactArgs(1)
	cmd.RunE = c.Run
	return cmd
}

func (c *cmdConfigACL) Run(cmd *cobra.Command, args []string) error {
	return c.config.with(cmd, func(ctx context.Context, p *bus.ConfigurationProxy) error {
		path, err := resolveConfig(ctx, p, args[0])
		if err != nil {
			return err
		}
		props, err := p.Properties(ctx, path)
		if err != nil {
			return err
		}

		tw := newTable(c.global.out, "UID", "ACCESS")
		fmt.Fprintf(tw, "%d\towner\n", props.Owner)
		for _, uid := range props.ACL {
			fmt.Fprintf(tw, "%d\tgranted\n", uid)
		}
		if props.PublicAccess {
			fmt.Fprintf(tw, "*\tpublic\n")
		}
		return tw.Flush()
	})
}

func parseUID(s string) (uint32, error) {
	uid, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid uid %q", common.ErrInvalidArgument, s)
	}
	return uint32(uid), nil
}
