// pipeline runs the news article pipeline: scheduled ingestion and the
// four-step processing of every pending article.
//
// Usage:
//
//	pipeline run        scheduler plus status server
//	pipeline process    one processing cycle
//	pipeline ingest     one ingestion pass
//	pipeline migrate    apply Postgres migrations
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
