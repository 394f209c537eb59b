package commands

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"versionstore/pkg/core"
	"versionstore/pkg/ingester"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newPutCmd() *cobra.Command {
	var contentType, compression string
	cmd := &cobra.Command{
		Use:   "put <file|->",
		Short: "Store a file as a (possibly multi-part) value",
		Long: `Split the file into content-defined chunks, store each chunk and a head object
listing them, and print the head id. Use it with 'vst commit --link key=<id>'.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			comp, err := core.ParseCompression(compression)
			if err != nil {
				return err
			}

			var (
				r        io.Reader = cmd.InOrStdin()
				filename string
			)
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
				filename = filepath.Base(args[0])
			}

			res, err := VST.Ingester.Ingest(cmd.Context(), r, ingester.Options{
				ContentType: contentType,
				Filename:    filename,
				Compression: comp,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, res.Head.ID())
			fmt.Fprintf(out, "   %s in %d parts, %d new objects\n", humanize.Bytes(uint64(res.Size)), res.Parts, res.New)
			return nil
		},
	}
	cmd.Flags().StringVar(&contentType, "content-type", "application/octet-stream", "content type recorded with the value")
	cmd.Flags().StringVar(&compression, "compression", "zstd", "part compression (none, gzip, deflate, zstd, lz4, snappy)")
	return cmd
}

func newGetCmd() *cobra.Command {
	var outFile string
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Write a stored value to stdout or a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id, err := resolveID(ctx, args[0])
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if outFile != "" {
				f, err := os.Create(outFile)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			n, err := VST.Exporter.Copy(ctx, id, w)
			if err != nil {
				return err
			}
			if outFile != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s to %s\n", humanize.Bytes(uint64(n)), outFile)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&outFile, "out", "", "write to this file instead of stdout")
	return cmd
}
