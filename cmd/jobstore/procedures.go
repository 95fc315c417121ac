package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/bson"

	"jobstore/internal/store"
	"jobstore/pkg/model"
)

// allPartitions is accepted wherever a partition argument is expected and
// runs the procedure across every partition.
const allPartitions = "*"

var partitions = []string{
	model.PartitionJob,
	model.PartitionServer,
	model.PartitionCounter,
	model.PartitionHash,
	model.PartitionSet,
	model.PartitionList,
	model.PartitionQueue,
	model.PartitionLock,
}

var expireCmd = &cobra.Command{
	Use:   "expire <partition> <filter> <epoch>",
	Short: "Set the expiry of every matching document",
	Long: `expire stamps a Unix epoch (seconds) as the expiry of every document in the
partition that matches the filter. The filter is MongoDB extended JSON, for
example '{"key": "stats:succeeded"}'. Pass '*' as the partition to match
documents in every partition.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		partition, filter, err := parseTarget(args[0], args[1])
		if err != nil {
			return err
		}
		epoch, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil || epoch <= 0 {
			return fmt.Errorf("epoch must be a positive unix timestamp, got %q", args[2])
		}

		svc, err := newServices(serviceName + "-cli")
		if err != nil {
			return err
		}
		defer svc.close()

		n, err := svc.runner.ExpireDocuments(cmd.Context(), partition, filter, epoch)
		return report(cmd.OutOrStdout(), "expired", n, err)
	},
}

var persistCmd = &cobra.Command{
	Use:   "persist <partition> <filter>",
	Short: "Clear the expiry of every matching document",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		partition, filter, err := parseTarget(args[0], args[1])
		if err != nil {
			return err
		}

		svc, err := newServices(serviceName + "-cli")
		if err != nil {
			return err
		}
		defer svc.close()

		n, err := svc.runner.PersistDocuments(cmd.Context(), partition, filter)
		return report(cmd.OutOrStdout(), "persisted", n, err)
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge <partition> <filter>",
	Short: "Delete every matching document",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		partition, filter, err := parseTarget(args[0], args[1])
		if err != nil {
			return err
		}

		svc, err := newServices(serviceName + "-cli")
		if err != nil {
			return err
		}
		defer svc.close()

		n, err := svc.runner.DeleteDocuments(cmd.Context(), partition, filter)
		return report(cmd.OutOrStdout(), "deleted", n, err)
	},
}

var importFile string

var importCmd = &cobra.Command{
	Use:   "import <partition>",
	Short: "Upsert documents read as extended JSON lines",
	Long: `import reads one document per line in MongoDB extended JSON from --file (or
stdin) and upserts them all into the partition in batches.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		partition, err := parsePartition(args[0])
		if err != nil {
			return err
		}
		if partition == "" {
			return fmt.Errorf("import needs a single partition")
		}

		in := cmd.InOrStdin()
		if importFile != "" {
			f, err := os.Open(importFile)
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}
		docs, err := readDocuments(in)
		if err != nil {
			return err
		}

		svc, err := newServices(serviceName + "-cli")
		if err != nil {
			return err
		}
		defer svc.close()

		n, err := svc.runner.UpsertDocuments(cmd.Context(), partition, docs)
		return report(cmd.OutOrStdout(), "upserted", n, err)
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <partition> <id>",
	Short: "Print a stored document",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		partition, err := parsePartition(args[0])
		if err != nil {
			return err
		}
		if partition == "" {
			return fmt.Errorf("inspect needs a single partition")
		}

		svc, err := newServices(serviceName + "-cli")
		if err != nil {
			return err
		}
		defer svc.close()

		doc, err := svc.store.ReadDocument(cmd.Context(), args[1], store.RequestOptions{PartitionKey: partition})
		if err != nil {
			return err
		}
		out, err := bson.MarshalExtJSONIndent(doc, false, false, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return err
	},
}

func init() {
	importCmd.Flags().StringVarP(&importFile, "file", "f", "", "read documents from this file instead of stdin")
}

func parsePartition(arg string) (string, error) {
	if arg == allPartitions {
		return "", nil
	}
	if !slices.Contains(partitions, arg) {
		return "", fmt.Errorf("unknown partition %q, expected one of %s or %q", arg, strings.Join(partitions, ", "), allPartitions)
	}
	return arg, nil
}

func parseTarget(partitionArg, filterArg string) (string, store.Filter, error) {
	partition, err := parsePartition(partitionArg)
	if err != nil {
		return "", nil, err
	}
	filter := store.Filter{}
	if err := bson.UnmarshalExtJSON([]byte(filterArg), false, &filter); err != nil {
		return "", nil, fmt.Errorf("invalid filter: %w", err)
	}
	return partition, filter, nil
}

func readDocuments(r io.Reader) ([]model.Document, error) {
	var docs []model.Document

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		var d bson.D
		if err := bson.UnmarshalExtJSON([]byte(text), false, &d); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		raw, err := bson.Marshal(d)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		doc, err := model.DecodeDocument(raw)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		docs = append(docs, doc)
	}
	return docs, scanner.Err()
}

func report(w io.Writer, verb string, n int, err error) error {
	if err != nil {
		return fmt.Errorf("%s %d document(s) before failing: %w", verb, n, err)
	}
	_, err = fmt.Fprintf(w, "%s %d document(s)\n", verb, n)
	return err
}
