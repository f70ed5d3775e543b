package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/relaysync/internal/schema"
	"github.com/steveyegge/relaysync/internal/transfer"
)

var uploadCmd = &cobra.Command{
	Use:     "upload <file>",
	GroupID: "transfer",
	Short:   "Upload a file as a chunked transfer",
	Long: `Upload a file to the storage destination in chunks.

Chunks are spread over every configured token and retried with exponential
backoff. An interrupted upload is resumed by passing its id with --resume;
chunks already stored are not sent again.

Examples:
  relaysync upload video.mp4
  relaysync upload video.mp4 --resume 0b6f...   # continue an earlier upload
  relaysync upload video.mp4 --manifest video.manifest.json`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		resume, _ := cmd.Flags().GetString("resume")
		manifestOut, _ := cmd.Flags().GetString("manifest")

		path := args[0]
		// #nosec G304 - controlled path from CLI
		f, err := os.Open(path)
		if err != nil {
			fatalf("%v", err)
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			fatalf("%v", err)
		}

		ctx, stop := signalContext()
		defer stop()

		progress := newProgressPrinter()
		rt := newRuntime(ctx, progress.report)
		defer rt.Close()

		fmt.Printf("%s Uploading %s (%s)...\n", renderAccent("📤"), filepath.Base(path), formatSize(info.Size()))
		start := time.Now()
		res, err := rt.manager.Upload(ctx, transfer.UploadRequest{
			FileID: resume,
			Source: f,
			Name:   filepath.Base(path),
			Size:   info.Size(),
		})
		if err != nil {
			fatalf("upload failed: %v", err)
		}

		if !res.Success {
			fmt.Printf("%s Upload %s: %d of %d chunks stored\n", renderWarn("⚠"), res.State, len(res.Chunks), res.TotalChunks)
			if len(res.FailedIndices) > 0 {
				fmt.Printf("   Failed chunks: %v\n", res.FailedIndices)
			}
			fmt.Printf("   Resume with: relaysync upload %s --resume %s\n", path, res.FileID)
			os.Exit(1)
		}

		fmt.Printf("%s Upload complete in %v\n", renderPass("✓"), time.Since(start).Round(time.Millisecond))
		fmt.Printf("   File id: %s\n", res.FileID)
		fmt.Printf("   Chunks:  %d\n", res.TotalChunks)

		if manifestOut != "" {
			if err := writeManifest(manifestOut, res.Manifest()); err != nil {
				fatalf("%v", err)
			}
			fmt.Printf("   Manifest: %s\n", manifestOut)
		}
	},
}

var downloadCmd = &cobra.Command{
	Use:     "download <file-id> <output>",
	GroupID: "transfer",
	Short:   "Download and reassemble an uploaded file",
	Long: `Download an uploaded file and write it to output.

The manifest is taken from the local database, or from --manifest when the
upload happened on another device. Every chunk is verified against its hash.
An interrupted download leaves <output>.part behind and running the same
command again fetches only the missing chunks.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		manifestIn, _ := cmd.Flags().GetString("manifest")
		fileID, output := args[0], args[1]

		ctx, stop := signalContext()
		defer stop()

		progress := newProgressPrinter()
		rt := newRuntime(ctx, progress.report)
		defer rt.Close()

		var manifest *schema.Manifest
		var err error
		if manifestIn != "" {
			manifest, err = readManifest(manifestIn)
		} else {
			manifest, err = rt.manager.Manifest(ctx, fileID)
		}
		if err != nil {
			fatalf("loading manifest of %s: %v", fileID, err)
		}
		if manifest.FileID != fileID {
			fatalf("manifest describes %s, not %s", manifest.FileID, fileID)
		}

		fmt.Printf("%s Downloading %s (%s, %d chunks)...\n", renderAccent("📥"), manifest.Name, formatSize(manifest.Size), manifest.TotalChunks)
		start := time.Now()
		if err := rt.manager.DownloadTo(ctx, manifest, output); err != nil {
			if errors.Is(err, transfer.ErrChunkCorrupt) {
				fatalf("%v\nThe stored chunk does not match its hash; re-upload the file.", err)
			}
			fatalf("%v\nRun the same command again to resume.", err)
		}
		fmt.Printf("%s Saved %s in %v\n", renderPass("✓"), output, time.Since(start).Round(time.Millisecond))
	},
}

func writeManifest(path string, m *schema.Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

func readManifest(path string) (*schema.Manifest, error) {
	// #nosec G304 - controlled path from CLI
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m schema.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return &m, m.Validate()
}

func formatSize(size int64) string {
	switch {
	case size > 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
	case size > 1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	default:
		return fmt.Sprintf("%d bytes", size)
	}
}

func init() {
	uploadCmd.Flags().String("resume", "", "file id of an interrupted upload to continue")
	uploadCmd.Flags().String("manifest", "", "write the manifest to this file")
	downloadCmd.Flags().String("manifest", "", "read the manifest from this file")

	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(downloadCmd)
}
