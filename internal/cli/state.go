package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/thruflo/bulkwatch/internal/state"
)

func newStateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect and edit the persisted application state",
		Long: `Read and write keys of the reactive state store, for example
pagination.currentLimit or filters.interval. Values are JSON; a value that
is not valid JSON is stored as a string.`,
	}
	cmd.AddCommand(newStateListCmd(), newStateGetCmd(), newStateSetCmd(), newStateRmCmd(), newStateResetCmd())
	return cmd
}

func newStateListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls [prefix]",
		Short: "List keys, optionally only those starting with prefix",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			for _, k := range a.store.Keys() {
				if strings.HasPrefix(k, prefix) {
					fmt.Fprintln(a.out, k)
				}
			}
			return nil
		},
	}
}

func newStateGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get [key]",
		Short: "Print one key, or every key, as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			var v any
			if len(args) == 0 {
				v = a.store.Snapshot()
			} else {
				if !a.store.Has(args[0]) {
					return fmt.Errorf("key %q is not set", args[0])
				}
				v = a.store.Get(args[0], nil)
			}
			data, err := json.MarshalIndent(v, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode state: %w", err)
			}
			fmt.Fprintln(a.out, string(data))
			return nil
		},
	}
}

func newStateSetCmd() *cobra.Command {
	var noPersist bool

	cmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.store.Set(args[0], parseValue(args[1]), !noPersist); err != nil {
				return fmt.Errorf("failed to set %s: %w", args[0], err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&noPersist, "no-persist", false, "keep the value in memory only")
	return cmd
}

func newStateRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <key>",
		Short: "Remove a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			a.store.Remove(args[0])
			return nil
		},
	}
}

func newStateResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Clear every key and restore the defaults",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.store.Reset(); err != nil {
				return fmt.Errorf("failed to reset state: %w", err)
			}
			if err := state.SeedDefaults(a.store); err != nil {
				return fmt.Errorf("failed to restore defaults: %w", err)
			}
			fmt.Fprintln(a.out, "State reset")
			return nil
		},
	}
}

func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}
