package main

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ajitpratap0/strata/pkg/errors"
	jsonpool "github.com/ajitpratap0/strata/pkg/json"
	"github.com/ajitpratap0/strata/pkg/load"
	"github.com/ajitpratap0/strata/pkg/schema"
	"github.com/ajitpratap0/strata/pkg/state"
)

// schemaName resolves which schema to inspect: an explicit --name wins,
// otherwise the pipeline name recorded in the working directory's state.
func schemaName(workingDir, flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	blob, err := state.Peek(workingDir)
	if err != nil {
		return "", err
	}
	if blob == nil || blob.Pipeline == "" {
		return "", errors.Newf(errors.ErrorTypeConfig,
			"no pipeline state in %s; pass --name", workingDir)
	}
	return blob.Pipeline, nil
}

func openSchema(workingDir, name string, version int) (*schema.Schema, error) {
	store := schema.NewStore(filepath.Join(workingDir, "schemas"))
	if version > 0 {
		return store.LoadVersion(name, version)
	}
	return store.Load(name)
}

func newSchemaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Inspect stored schemas",
	}
	cmd.AddCommand(newSchemaShowCmd(), newSchemaExportCmd())
	return cmd
}

func newSchemaShowCmd() *cobra.Command {
	var name string
	var version int

	cmd := &cobra.Command{
		Use:   "show <working-dir>",
		Short: "Show the stored schema head",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := schemaName(args[0], name)
			if err != nil {
				return err
			}
			sch, err := openSchema(args[0], name, version)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Schema %s version %d (%.8s)\n", sch.Name, sch.Version, sch.VersionHash)
			fmt.Fprintf(out, "Updated %s\n", sch.UpdatedAt.Format("2006-01-02 15:04:05 MST"))
			for _, tn := range sch.TableNames() {
				tbl := sch.Table(tn)
				fmt.Fprintf(out, "\n  table %s (%s)\n", tbl.Name, tbl.Disposition)
				for _, col := range tbl.Columns {
					fmt.Fprintf(out, "    %-32s %-10s %s\n", col.Name, col.Type, columnFlags(col))
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Schema name (defaults to the pipeline recorded in state)")
	cmd.Flags().IntVar(&version, "version", 0, "Show a specific stored version instead of the head")
	return cmd
}

func columnFlags(col *schema.Column) string {
	var flags []string
	if col.Nullable {
		flags = append(flags, "nullable")
	}
	if col.PrimaryKey {
		flags = append(flags, "primary key")
	}
	if col.MergeKey && !col.PrimaryKey {
		flags = append(flags, "merge key")
	}
	if col.Linkage {
		flags = append(flags, "linkage")
	}
	if col.Discarded {
		flags = append(flags, "discarded")
	}
	return strings.Join(flags, ", ")
}

func newSchemaExportCmd() *cobra.Command {
	var name, format string
	var version int

	cmd := &cobra.Command{
		Use:   "export <working-dir>",
		Short: "Export a stored schema as YAML or JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := schemaName(args[0], name)
			if err != nil {
				return err
			}
			sch, err := openSchema(args[0], name, version)
			if err != nil {
				return err
			}

			var data []byte
			switch format {
			case "yaml":
				data, err = schema.ExportYAML(sch)
			case "json":
				data, err = jsonpool.MarshalIndent(sch, "", "  ")
			default:
				return errors.Newf(errors.ErrorTypeConfig, "unknown export format %q (yaml, json)", format)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", data)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Schema name (defaults to the pipeline recorded in state)")
	cmd.Flags().StringVar(&format, "format", "yaml", "Export format (yaml, json)")
	cmd.Flags().IntVar(&version, "version", 0, "Export a specific stored version instead of the head")
	return cmd
}

func newStateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect pipeline state",
	}
	cmd.AddCommand(newStateShowCmd())
	return cmd
}

func newStateShowCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show <working-dir>",
		Short: "Show committed pipeline state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			blob, err := state.Peek(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if blob == nil {
				fmt.Fprintf(out, "No state recorded in %s\n", args[0])
				return nil
			}
			if asJSON {
				data, err := jsonpool.MarshalIndent(blob, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s\n", data)
				return nil
			}

			fmt.Fprintf(out, "Pipeline:     %s\n", blob.Pipeline)
			fmt.Fprintf(out, "Last load:    %s\n", orNone(blob.LastLoadID))
			fmt.Fprintf(out, "Schema hash:  %s\n", orNone(blob.SchemaHash))
			fmt.Fprintf(out, "Updated:      %s\n", blob.UpdatedAt.Format("2006-01-02 15:04:05 MST"))
			if len(blob.Resources) > 0 {
				fmt.Fprintln(out, "Cursors:")
				names := make([]string, 0, len(blob.Resources))
				for name := range blob.Resources {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					rs := blob.Resources[name]
					fmt.Fprintf(out, "  %-24s %v (%d boundary keys)\n", name, rs.Cursor, len(rs.BoundaryKeys))
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw state document as JSON")
	return cmd
}

func newPackageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "package",
		Short: "Inspect and prune load packages",
	}
	cmd.AddCommand(newPackageListCmd(), newPackageShowCmd(), newPackagePruneCmd())
	return cmd
}

// packageManager builds a manager for a working directory, using the
// pipeline name from state when one is recorded.
func packageManager(workingDir string) (*load.Manager, error) {
	blob, err := state.Peek(workingDir)
	if err != nil {
		return nil, err
	}
	pipeline := ""
	if blob != nil {
		pipeline = blob.Pipeline
	}
	return load.NewManager(workingDir, pipeline), nil
}

func newPackageListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <working-dir>",
		Short: "List load packages and their states",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := packageManager(args[0])
			if err != nil {
				return err
			}
			pkgs, err := mgr.All()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(pkgs) == 0 {
				fmt.Fprintf(out, "No packages in %s\n", args[0])
				return nil
			}
			fmt.Fprintf(out, "%-24s %-11s %-20s %8s\n", "LOAD ID", "STATE", "CREATED", "RECORDS")
			for _, pkg := range pkgs {
				var records int64
				for _, c := range pkg.Manifest.RawChunks {
					records += c.Records
				}
				fmt.Fprintf(out, "%-24s %-11s %-20s %8d\n",
					pkg.LoadID, pkg.State(),
					pkg.Manifest.CreatedAt.Format("2006-01-02 15:04:05"),
					records)
			}
			return nil
		},
	}
}

func newPackageShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <working-dir> <load-id>",
		Short: "Show one package's manifest",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := packageManager(args[0])
			if err != nil {
				return err
			}
			pkg, err := mgr.Find(args[1])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "State: %s\n", pkg.State())
			fmt.Fprintf(out, "Dir:   %s\n", pkg.Dir())
			data, err := jsonpool.MarshalIndent(pkg.Manifest, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s\n", data)
			return nil
		},
	}
}

func newPackagePruneCmd() *cobra.Command {
	var keep int

	cmd := &cobra.Command{
		Use:   "prune <working-dir>",
		Short: "Delete old loaded packages",
		Long: `Delete loaded and aborted packages beyond the newest N of each.
Packages still awaiting normalization or load are never pruned.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := packageManager(args[0])
			if err != nil {
				return err
			}
			pruned, err := mgr.Prune(keep)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(pruned) == 0 {
				fmt.Fprintln(out, "Nothing to prune")
				return nil
			}
			for _, id := range pruned {
				fmt.Fprintf(out, "pruned %s\n", id)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&keep, "keep", 3, "Number of loaded packages to keep")
	return cmd
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
