// Command examples submits one task to a running avad and prints the outcome.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"AVA-Chain/sdk/go/ava"
)

func main() {
	baseURL := os.Getenv("AVA_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	description := "Swap 1 USDC to WETH on Base"
	if len(os.Args) > 1 {
		description = strings.Join(os.Args[1:], " ")
	}

	client, err := ava.NewClient(baseURL, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	created, err := client.CreateTask(ctx, description, "")
	if err != nil {
		fmt.Fprintln(os.Stderr, "create task:", err)
		os.Exit(1)
	}
	fmt.Printf("task %s assigned to %s\n", created.ID, created.AssignedTo)

	done, err := client.WaitFor(ctx, created.ID, 500*time.Millisecond)
	if err != nil {
		fmt.Fprintln(os.Stderr, "wait task:", err)
		os.Exit(1)
	}
	if done.Error != "" {
		fmt.Printf("task %s %s: %s\n", done.ID, done.Status, done.Error)
		return
	}
	fmt.Printf("task %s %s: %s\n", done.ID, done.Status, done.ResultText())
}
