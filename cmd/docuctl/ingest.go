package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"docuvector-go/internal/app"
	"docuvector-go/internal/loader"
	"docuvector-go/internal/pipeline"
	"docuvector-go/internal/service"
	"docuvector-go/pkg/errs"
)

var ingestID string

var ingestCmd = &cobra.Command{
	Use:   "ingest [path...]",
	Short: "Ingest files or directories",
	Long: `Ingests every supported file under the given paths.
Directories are walked recursively; unsupported files are skipped.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestID, "id", "", "document id to use (single file only)")
	rootCmd.AddCommand(ingestCmd)
}

// collectFiles 展开目录，只保留支持的文件类型。
func collectFiles(paths []string, supported func(name string) bool) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
				return nil
			}
			if supported(d.Name()) {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}

func runIngest(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		files, err := collectFiles(args, func(name string) bool {
			_, err := a.Pipeline.ResolveType(name, "")
			return err == nil
		})
		if err != nil {
			return err
		}
		if ingestID != "" && len(files) != 1 {
			return fmt.Errorf("--id requires exactly one file, got %d", len(files))
		}
		if len(files) == 0 {
			cmd.Println("No supported files found.")
			return nil
		}

		bar := progressbar.NewOptions(len(files),
			progressbar.OptionSetWriter(cmd.ErrOrStderr()),
			progressbar.OptionSetDescription(color.BlueString("Ingesting")),
			progressbar.OptionShowCount(),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionSetWidth(40),
			progressbar.OptionSetRenderBlankState(true),
		)

		var failed []string
		for _, path := range files {
			res, err := ingestFile(ctx, a.Documents, path)
			_ = bar.Add(1)
			if err != nil {
				failed = append(failed, fmt.Sprintf("%s: [%s] %v", path, errs.KindOf(err), err))
				continue
			}
			cmd.Printf("%s %s  %s (%d chunks)\n", color.GreenString("✓"), res.DocumentID, path, res.ChunkCount)
		}
		_ = bar.Finish()
		cmd.Println()

		for _, f := range failed {
			cmd.Println(color.RedString("✗ %s", f))
		}
		if len(failed) > 0 {
			return fmt.Errorf("%d of %d files failed", len(failed), len(files))
		}
		return nil
	})
}

func ingestFile(ctx context.Context, docs service.DocumentService, path string) (pipeline.Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return pipeline.Result{}, err
	}
	defer f.Close()
	return docs.Ingest(ctx, service.IngestInput{DocumentID: ingestID, FileName: filepath.Base(path), Content: f})
}

var typesCmd = &cobra.Command{
	Use:   "types",
	Short: "List supported file types",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(_ context.Context, a *app.App) error {
			for _, ft := range a.Documents.SupportedTypes() {
				cmd.Printf("%-14s %s\n", ft.Type, strings.Join(ft.Extensions, " "))
			}
			if !contains(a.Documents.SupportedTypes(), loader.LegacyOffice.String()) {
				cmd.Println(color.YellowString("doc/ppt/pptx/xls need tika.server_url"))
			}
			return nil
		})
	},
}

func contains(types []service.FileTypeInfo, name string) bool {
	for _, t := range types {
		if t.Type == name {
			return true
		}
	}
	return false
}

func init() {
	rootCmd.AddCommand(typesCmd)
}
