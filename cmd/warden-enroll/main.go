package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/lucid-vigil/warden/pkg/config"
	"github.com/lucid-vigil/warden/pkg/dispatch"
	"github.com/lucid-vigil/warden/pkg/logger"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger.InitLogger(cfg.LogLevel)

	serverURL := flag.String("server", cfg.Agent.ServerURL, "collector base URL")
	caCert := flag.String("ca-cert", cfg.Agent.CACertPath, "collector CA certificate")
	outPath := flag.String("out", cfg.Agent.CredentialsPath, "credentials file to write")
	hostname := flag.String("hostname", "", "hostname to enroll as (default: system hostname)")
	flag.Parse()

	name := *hostname
	if name == "" {
		name, err = os.Hostname()
		if err != nil {
			log.Fatal().Err(err).Msg("Could not determine hostname")
		}
	}

	client, err := dispatch.NewPinnedClient(*caCert, 15*time.Second)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not build HTTP client")
	}

	body, err := json.Marshal(map[string]string{
		"hostname":   name,
		"ip_address": primaryIP(),
		"os_name":    osName(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Could not encode enrollment request")
	}

	url := strings.TrimRight(*serverURL, "/") + "/api/v1/agents/enroll"
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		log.Fatal().Err(err).Str("url", url).Msg("Enrollment request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		log.Fatal().Str("status", resp.Status).Msg("Collector rejected enrollment")
	}

	var creds config.Credentials
	if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
		log.Fatal().Err(err).Msg("Could not decode enrollment response")
	}
	if creds.AgentUUID == "" || creds.APIKey == "" {
		log.Fatal().Msg("Collector returned incomplete credentials")
	}

	// The API key is shown exactly once by the collector; losing this write
	// means re-enrolling.
	if err := config.SaveCredentials(*outPath, &creds); err != nil {
		log.Fatal().Err(err).Str("path", *outPath).Msg("Could not write credentials")
	}

	log.Info().
		Str("agent_uuid", creds.AgentUUID).
		Str("path", *outPath).
		Msg("Agent enrolled.")
	fmt.Printf("enrolled as %s; credentials written to %s\n", creds.AgentUUID, *outPath)
}

// primaryIP is the local address used for the default route, or empty when
// the host is offline.
func primaryIP() string {
	conn, err := net.Dial("udp", "255.255.255.255:80")
	if err != nil {
		return ""
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return ""
}

// osName prefers the distribution's PRETTY_NAME over the bare GOOS.
func osName() string {
	data, err := os.ReadFile("/etc/os-release")
	if err != nil {
		return runtime.GOOS
	}
	for _, line := range strings.Split(string(data), "\n") {
		if value, ok := strings.CutPrefix(line, "PRETTY_NAME="); ok {
			return strings.Trim(value, `"`)
		}
	}
	return runtime.GOOS
}
