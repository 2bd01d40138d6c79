package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
)

// commonEntityTypes seeds the scaffold type picker; it is not an
// exhaustive list — typing a type positionally skips the prompt
// entirely.
var commonEntityTypes = []string{"role", "project", "tool", "provider"}

func newEntityCommand() *cobra.Command {
	entity := &cobra.Command{
		Use:   "entity",
		Short: "scaffold or validate a harness entity definition",
	}
	entity.AddCommand(newEntityScaffoldCommand())
	entity.AddCommand(newEntityValidateCommand())
	return entity
}

func newEntityScaffoldCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "scaffold [type] [name] [author]",
		Short: "write a new entity boilerplate file",
		Args:  cobra.MaximumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			entityType, name, author, err := resolveScaffoldArgs(args)
			if err != nil {
				return err
			}

			c, err := dial(serverURL)
			if err != nil {
				return err
			}
			defer c.close()

			raw, err := c.call("entity_scaffold", map[string]any{"type": entityType, "name": name, "author": author})
			if err != nil {
				return err
			}
			var result struct {
				Path string `json:"path"`
			}
			if err := json.Unmarshal(raw, &result); err != nil {
				return err
			}
			fmt.Printf("scaffolded %s entity %q at %s\n", entityType, name, result.Path)
			return nil
		},
	}
}

// resolveScaffoldArgs fills in any of type/name/author missing from args
// interactively via promptui, falling back to plain positional args when
// all three are already supplied.
func resolveScaffoldArgs(args []string) (entityType, name, author string, err error) {
	if len(args) > 0 {
		entityType = args[0]
	}
	if len(args) > 1 {
		name = args[1]
	}
	if len(args) > 2 {
		author = args[2]
	}

	if entityType == "" {
		sel := promptui.Select{Label: "Entity type", Items: commonEntityTypes}
		_, entityType, err = sel.Run()
		if err != nil {
			return "", "", "", fmt.Errorf("select entity type: %w", err)
		}
	}
	if name == "" {
		prompt := promptui.Prompt{Label: "Entity name"}
		name, err = prompt.Run()
		if err != nil {
			return "", "", "", fmt.Errorf("read entity name: %w", err)
		}
	}
	if author == "" {
		prompt := promptui.Prompt{Label: "Author"}
		author, err = prompt.Run()
		if err != nil {
			return "", "", "", fmt.Errorf("read author: %w", err)
		}
	}
	return entityType, name, author, nil
}

func newEntityValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file> [type]",
		Short: "check an entity file's required fields",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			entityType := ""
			if len(args) > 1 {
				entityType = args[1]
			}

			c, err := dial(serverURL)
			if err != nil {
				return err
			}
			defer c.close()

			raw, err := c.call("entity_validate", map[string]any{"content": string(content), "type": entityType})
			if err != nil {
				return err
			}
			var result struct {
				Valid         bool     `json:"valid"`
				MissingFields []string `json:"missingFields"`
			}
			if err := json.Unmarshal(raw, &result); err != nil {
				return err
			}
			if result.Valid {
				fmt.Println("valid")
				return nil
			}
			fmt.Println("invalid, missing fields:")
			for _, f := range result.MissingFields {
				fmt.Printf("  - %s\n", f)
			}
			os.Exit(1)
			return nil
		},
	}
}
