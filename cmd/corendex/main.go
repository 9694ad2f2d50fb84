// Command corendex is the CLI surface over the core indexing and
// retrieval engine: an index builder and a minimal query inspector
// (§6 "CLI surface... implementer should offer equivalents"). Document
// parsing, stemming, and ranking are external collaborators this
// command stands in for with a bare whitespace tokenizer; the scoring
// and topic-file evaluation loop itself is explicitly out of scope.
package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/standardbeagle/corendex/internal/config"
	corerr "github.com/standardbeagle/corendex/internal/errors"
	"github.com/standardbeagle/corendex/internal/index"
)

func main() {
	app := &cli.App{
		Name:  "corendex",
		Usage: "disk-resident inverted-file indexer",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "TOML tunables file (defaults built in if absent)",
			},
			&cli.StringFlag{
				Name:     "dir",
				Usage:    "index directory",
				Required: true,
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "index",
				Usage:     "build an index from one or more input files",
				ArgsUsage: "FILE...",
				Action:    runIndex,
			},
			{
				Name:      "query",
				Usage:     "report index statistics (no ranking/scoring — out of scope)",
				ArgsUsage: "[TOPICFILE...]",
				Action:    runQuery,
			},
			{
				Name:   "rm",
				Usage:  "unlink every file a build created",
				Action: runRemove,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "corendex:", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	return -corerr.Errno(err)
}

func loadConfig(c *cli.Context) (config.Config, error) {
	path := c.String("config")
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// tokenize is a placeholder for the out-of-scope content parser: lowercased
// whitespace-split words, good enough to exercise the accumulator end to
// end without claiming to be a real HTML/TREC/MIME pipeline.
func tokenize(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var terms []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		for _, w := range strings.Fields(scanner.Text()) {
			terms = append(terms, strings.ToLower(w))
		}
	}
	return terms, scanner.Err()
}

func mimeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm":
		return "text/html"
	default:
		return "text/plain"
	}
}

func runIndex(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	facade, err := index.Open(c.String("dir"), cfg)
	if err != nil {
		return err
	}
	defer facade.Close()

	facade.Repo(0, c.String("dir"))

	for _, path := range c.Args().Slice() {
		terms, err := tokenize(path)
		if err != nil {
			return err
		}
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		docno, err := facade.AddDocument(index.Document{
			ReposID:    0,
			AuxID:      path,
			MimeType:   mimeFor(path),
			ByteLength: uint64(info.Size()),
			Terms:      terms,
		})
		if err != nil {
			return err
		}
		fmt.Printf("indexed docno=%d path=%s terms=%d\n", docno, path, len(terms))
	}

	result, err := facade.Finish()
	if err != nil {
		return err
	}
	fmt.Printf("built index: distinct_terms=%d root=(%d,%d)\n", result.DistinctTerms, result.RootFileno, result.RootOffset)
	return nil
}

func runQuery(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	facade, err := index.Open(c.String("dir"), cfg)
	if err != nil {
		return err
	}
	defer facade.Close()

	stats, err := facade.Stats()
	if err != nil {
		return err
	}
	fmt.Printf("package=%s terms=%d repos=%d vectors=%d vocabs=%d updates=%d root=(%d,%d)\n",
		stats.PackageName, stats.Terms, stats.Repos, stats.Vectors, stats.Vocabs, stats.Updates,
		stats.RootFileno, stats.RootOffset)
	for _, r := range stats.RepoList {
		fmt.Printf("  repo %d: %s\n", r.ReposID, r.Path)
	}

	if c.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "corendex: topic-file query evaluation is out of scope for this core; ranking and retrieval belong to a separate evaluator")
	}
	return nil
}

func runRemove(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	facade, err := index.Open(c.String("dir"), cfg)
	if err != nil {
		return err
	}
	return facade.Remove()
}
