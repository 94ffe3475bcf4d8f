package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"

	"ControlAgent/sdk/go/controlagent"
)

func main() {
	var (
		gateway  = pflag.String("gateway", "http://localhost:8080", "gateway base URL")
		secret   = pflag.String("secret", os.Getenv("CONTROLAGENT_DEFAULT_KEY"), "default-scope shared secret")
		user     = pflag.StringP("user", "u", "", "gateway user")
		pass     = pflag.StringP("pass", "p", os.Getenv("CONTROLAGENT_PASS"), "gateway password")
		database = pflag.StringP("database", "d", "db1", "slot to use (db1, db2, db3)")
		question = pflag.StringP("question", "q", "", "question to ask after uploading")
		timeout  = pflag.Duration("timeout", 2*time.Minute, "overall timeout")
	)
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] [file.pdf ...]\n", filepath.Base(os.Args[0]))
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if err := run(*gateway, *secret, controlagent.Credentials{User: *user, Pass: *pass}, *database, *question, *timeout, pflag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(gateway, secret string, creds controlagent.Credentials, database, question string, timeout time.Duration, paths []string) error {
	client, err := controlagent.NewClient(gateway, secret, nil)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if len(paths) > 0 {
		files := make([]controlagent.File, 0, len(paths))
		for _, p := range paths {
			data, err := os.ReadFile(p)
			if err != nil {
				return err
			}
			files = append(files, controlagent.File{Title: filepath.Base(p), Content: data})
		}
		if err := client.CreateDatabase(ctx, creds, database, files); err != nil {
			return err
		}
		fmt.Printf("uploaded %d file(s) into %s\n", len(files), database)
	}

	if question == "" {
		return nil
	}
	answer, err := client.ProcessMessage(ctx, creds, database, []controlagent.Message{{Role: "user", Text: question}})
	if err != nil {
		return err
	}
	fmt.Println(string(answer))
	return nil
}
