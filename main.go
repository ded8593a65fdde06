package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Zero-Carbon-Charge/ev-charger-simulator-fork/internal/fleet"
)

const (
	defaultTemplates = "templates/station.json"
	defaultHTTPPort  = "8080"
	defaultMQTTHost  = "localhost"
	defaultMQTTPort  = 1883
)

func main() {
	templates := strings.Split(getEnvOrDefault("STATION_TEMPLATES", defaultTemplates), ",")
	for i := range templates {
		templates[i] = strings.TrimSpace(templates[i])
	}
	httpPort := getEnvOrDefault("HTTP_PORT", defaultHTTPPort)

	mqttEnabled := getEnvOrDefault("MQTT_ENABLED", "false") == "true"
	mqttHost := getEnvOrDefault("MQTT_HOST", defaultMQTTHost)
	mqttPort, err := strconv.Atoi(getEnvOrDefault("MQTT_PORT", strconv.Itoa(defaultMQTTPort)))
	if err != nil {
		log.Fatalf("Invalid MQTT_PORT: %v", err)
	}
	mqttUsername := os.Getenv("MQTT_USERNAME")
	mqttPassword := os.Getenv("MQTT_PASSWORD")
	mqttClientID := getEnvOrDefault("MQTT_CLIENT_ID", "charging-station-simulator")

	f, err := fleet.New(fleet.Config{
		TemplatePaths: templates,
		HTTPPort:      httpPort,
		MQTTEnabled:   mqttEnabled,
		MQTTHost:      mqttHost,
		MQTTPort:      mqttPort,
		MQTTUsername:  mqttUsername,
		MQTTPassword:  mqttPassword,
		MQTTClientID:  mqttClientID,
	})
	if err != nil {
		log.Fatalf("Failed to build fleet: %v", err)
	}

	log.Printf("Starting charging station simulator, HTTP API on port %s...", httpPort)
	if err := f.Start(); err != nil {
		log.Fatalf("Failed to start fleet: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down simulator...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := f.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}

	log.Println("Simulator stopped")
}

// getEnvOrDefault returns environment variable value or default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
