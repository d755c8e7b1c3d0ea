package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

// callsim drives a running triage API like a telephony feed would:
// it streams transcript fragments into a call, signals end-of-call and
// prints the resulting call view. Useful for manual end-to-end checks
// without a voice provider.
func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	baseURL := flag.String("url", "http://localhost:8080", "triage API base URL")
	callID := flag.String("call", "", "call ID, auto-generated when empty")
	script := flag.String("script", "", "path to a transcript script, one fragment per line (default: a built-in critical scenario)")
	delay := flag.Duration("delay", 500*time.Millisecond, "delay between fragments")
	end := flag.Bool("end", true, "send the end-of-call signal after the last fragment")
	flag.Parse()

	id := *callID
	if id == "" {
		id = fmt.Sprintf("sim-%d", time.Now().UnixNano())
	}

	fragments, err := loadScript(*script)
	if err != nil {
		log.Fatalf("failed to load script: %v", err)
	}

	client := &http.Client{Timeout: 10 * time.Second}

	for i, text := range fragments {
		if err := postFragment(client, *baseURL, id, text, i+1); err != nil {
			log.Fatalf("fragment %d failed: %v", i+1, err)
		}
		log.Printf("sent fragment %d/%d: %q", i+1, len(fragments), text)
		time.Sleep(*delay)
	}

	if *end {
		if err := postEnd(client, *baseURL, id); err != nil {
			log.Fatalf("end-of-call failed: %v", err)
		}
		log.Printf("end-of-call signalled for %s", id)
	}

	// Give dispatch a moment before reading the final view.
	time.Sleep(time.Second)

	view, err := getCall(client, *baseURL, id)
	if err != nil {
		log.Fatalf("failed to read call view: %v", err)
	}
	fmt.Println(view)
}

func loadScript(path string) ([]string, error) {
	if path == "" {
		return []string{
			"Hello, please help, my father is not feeling well",
			"He says his chest hurts and his left arm is numb",
			"He just collapsed, he is unconscious and can't breathe",
		}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var fragments []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			fragments = append(fragments, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(fragments) == 0 {
		return nil, fmt.Errorf("script %s has no fragments", path)
	}
	return fragments, nil
}

func postFragment(client *http.Client, baseURL, callID, text string, seq int) error {
	payload, err := json.Marshal(map[string]any{"text": text, "seq": seq})
	if err != nil {
		return err
	}

	resp, err := client.Post(
		fmt.Sprintf("%s/api/calls/%s/fragments", strings.TrimRight(baseURL, "/"), callID),
		"application/json",
		bytes.NewReader(payload),
	)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func postEnd(client *http.Client, baseURL, callID string) error {
	resp, err := client.Post(
		fmt.Sprintf("%s/api/calls/%s/end", strings.TrimRight(baseURL, "/"), callID),
		"application/json",
		strings.NewReader("{}"),
	)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func getCall(client *http.Client, baseURL, callID string) (string, error) {
	resp, err := client.Get(fmt.Sprintf("%s/api/calls/%s", strings.TrimRight(baseURL, "/"), callID))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return string(body), nil
}
