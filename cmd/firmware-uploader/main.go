// Command firmware-uploader reads a firmware image, computes its MD5, and
// POSTs it to a running ota-gateway's /firmware endpoint (the Go-native,
// HTTP-based analogue of the Python tool's MQTT publish). It can also
// issue the gateway's /status and /rollback control requests.
package main

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

func main() {
	gateway := flag.String("gateway", "http://localhost:8080", "ota-gateway base URL")
	action := flag.String("action", "upload", "Action: upload|status|rollback")
	file := flag.String("file", "", "Firmware file path (.bin), required for upload")
	version := flag.String("version", "1.0.0", "Firmware version")
	project := flag.String("project", "HybridLink", "Project name")
	timeout := flag.Duration("timeout", 30*time.Second, "HTTP request timeout")
	flag.Parse()

	client := &http.Client{Timeout: *timeout}

	switch *action {
	case "upload":
		if *file == "" {
			fmt.Fprintln(os.Stderr, "Error: -file is required for upload")
			os.Exit(1)
		}
		if err := upload(client, *gateway, *file, *version, *project); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "status":
		if err := status(client, *gateway); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "rollback":
		if err := rollback(client, *gateway); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown action %q (use upload|status|rollback)\n", *action)
		os.Exit(1)
	}
}

func upload(client *http.Client, gateway, path, version, project string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read firmware file: %w", err)
	}
	sum := md5.Sum(data)
	hexSum := hex.EncodeToString(sum[:])

	fmt.Printf("Firmware: %s\n", path)
	fmt.Printf("Size: %d bytes (%.1f KB)\n", len(data), float64(len(data))/1024)
	fmt.Printf("MD5: %s\n", hexSum)
	fmt.Printf("Version: %s\n", version)
	fmt.Println()

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	if err := mw.WriteField("version", version); err != nil {
		return err
	}
	if err := mw.WriteField("project", project); err != nil {
		return err
	}
	if err := mw.WriteField("md5", hexSum); err != nil {
		return err
	}
	fw, err := mw.CreateFormFile("firmware", filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := fw.Write(data); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, gateway+"/firmware", body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("upload request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("gateway rejected upload (%s): %s", resp.Status, respBody)
	}
	fmt.Printf("Upload accepted: %s\n", respBody)
	return nil
}

func status(client *http.Client, gateway string) error {
	resp, err := client.Get(gateway + "/status")
	if err != nil {
		return fmt.Errorf("status request: %w", err)
	}
	defer resp.Body.Close()

	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode status response: %w", err)
	}
	for k, v := range out {
		fmt.Printf("%s: %v\n", k, v)
	}
	return nil
}

func rollback(client *http.Client, gateway string) error {
	resp, err := client.Post(gateway+"/rollback", "", nil)
	if err != nil {
		return fmt.Errorf("rollback request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("gateway rejected rollback (%s): %s", resp.Status, body)
	}
	fmt.Println("Rollback requested")
	return nil
}
