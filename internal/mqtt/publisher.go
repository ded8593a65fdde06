package mqtt

import (
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
)

// PublisherConfig holds the MQTT publisher configuration.
type PublisherConfig struct {
	BrokerHost string
	BrokerPort int
	Username   string
	Password   string
	ClientID   string
	QoS        byte
	Retained   bool
}

// Publisher pushes simulator events to an MQTT broker. It satisfies the
// station event sink, so a fleet can hand it straight to its stations.
type Publisher struct {
	client mqtt.Client
	config PublisherConfig
}

// StatusEvent reports a connector status change.
type StatusEvent struct {
	Timestamp   time.Time `json:"timestamp"`
	StationID   string    `json:"stationId"`
	ConnectorID int       `json:"connectorId"`
	Status      string    `json:"status"`
}

// TransactionEvent reports a transaction starting or stopping.
type TransactionEvent struct {
	Timestamp     time.Time `json:"timestamp"`
	StationID     string    `json:"stationId"`
	ConnectorID   int       `json:"connectorId"`
	TransactionID int       `json:"transactionId"`
	IdTag         string    `json:"idTag,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Phase         string    `json:"phase"` // started or stopped
}

// MeterEvent carries one MeterValues push in a broker-friendly shape.
type MeterEvent struct {
	Timestamp   time.Time      `json:"timestamp"`
	StationID   string         `json:"stationId"`
	ConnectorID int            `json:"connectorId"`
	Readings    []MeterReading `json:"readings"`
}

// MeterReading is one sampled value with the energy and power readings
// converted to kWh and kW.
type MeterReading struct {
	Measurand string  `json:"measurand"`
	Value     float64 `json:"value"`
	Unit      string  `json:"unit"`
	Phase     string  `json:"phase,omitempty"`
}

// NewPublisher builds an MQTT publisher with auto-reconnect.
func NewPublisher(config PublisherConfig) (*Publisher, error) {
	opts := mqtt.NewClientOptions()
	brokerURL := fmt.Sprintf("tcp://%s:%d", config.BrokerHost, config.BrokerPort)
	opts.AddBroker(brokerURL)
	opts.SetClientID(config.ClientID)

	if config.Username != "" {
		opts.SetUsername(config.Username)
	}
	if config.Password != "" {
		opts.SetPassword(config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(30 * time.Second)
	opts.SetMaxReconnectInterval(5 * time.Minute)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Printf("MQTT connection lost: %v", err)
	})
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Printf("MQTT client connected to broker at %s", brokerURL)
	})

	return &Publisher{
		client: mqtt.NewClient(opts),
		config: config,
	}, nil
}

// Connect establishes the connection to the MQTT broker.
func (p *Publisher) Connect() error {
	if token := p.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	return nil
}

// Disconnect closes the connection to the MQTT broker.
func (p *Publisher) Disconnect() {
	if p.client.IsConnected() {
		p.client.Disconnect(250)
		log.Println("MQTT client disconnected")
	}
}

// IsConnected checks if the MQTT client is connected.
func (p *Publisher) IsConnected() bool {
	return p.client.IsConnected()
}

// StatusChanged publishes a connector status change event.
func (p *Publisher) StatusChanged(stationID string, connectorID int, status core.ChargePointStatus) {
	p.publish(topic(stationID, "status"), StatusEvent{
		Timestamp:   time.Now(),
		StationID:   stationID,
		ConnectorID: connectorID,
		Status:      string(status),
	})
}

// TransactionStarted publishes a transaction start event.
func (p *Publisher) TransactionStarted(stationID string, connectorID, transactionID int, idTag string) {
	p.publish(topic(stationID, "transactions"), TransactionEvent{
		Timestamp:     time.Now(),
		StationID:     stationID,
		ConnectorID:   connectorID,
		TransactionID: transactionID,
		IdTag:         idTag,
		Phase:         "started",
	})
}

// TransactionStopped publishes a transaction stop event.
func (p *Publisher) TransactionStopped(stationID string, connectorID, transactionID int, reason core.Reason) {
	p.publish(topic(stationID, "transactions"), TransactionEvent{
		Timestamp:     time.Now(),
		StationID:     stationID,
		ConnectorID:   connectorID,
		TransactionID: transactionID,
		Reason:        string(reason),
		Phase:         "stopped",
	})
}

// MeterValuesSampled publishes the readings of one MeterValues push.
func (p *Publisher) MeterValuesSampled(stationID string, connectorID int, values []types.MeterValue) {
	event := MeterEvent{
		Timestamp:   time.Now(),
		StationID:   stationID,
		ConnectorID: connectorID,
	}
	if len(values) > 0 && values[0].Timestamp != nil {
		event.Timestamp = values[0].Timestamp.Time
	}
	for _, mv := range values {
		for _, sample := range mv.SampledValue {
			value, err := strconv.ParseFloat(sample.Value, 64)
			if err != nil {
				log.Printf("cannot parse meter value %q: %v", sample.Value, err)
				continue
			}
			unit := string(sample.Unit)
			switch sample.Unit {
			case types.UnitOfMeasureWh:
				value /= 1000.0
				unit = "kWh"
			case types.UnitOfMeasureW:
				value /= 1000.0
				unit = "kW"
			}
			event.Readings = append(event.Readings, MeterReading{
				Measurand: string(sample.Measurand),
				Value:     value,
				Unit:      unit,
				Phase:     string(sample.Phase),
			})
		}
	}
	p.publish(topic(stationID, "meter"), event)
}

func topic(stationID, kind string) string {
	return fmt.Sprintf("simulator/stations/%s/%s", stationID, kind)
}

// publish marshals and ships the event asynchronously; the station's working
// goroutines never wait on the broker.
func (p *Publisher) publish(topic string, event interface{}) {
	go func() {
		if err := p.publishSync(topic, event); err != nil {
			log.Printf("failed to publish MQTT event: %v", err)
		}
	}()
}

func (p *Publisher) publishSync(topic string, event interface{}) error {
	if !p.client.IsConnected() {
		return fmt.Errorf("MQTT client is not connected")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal MQTT event: %w", err)
	}
	token := p.client.Publish(topic, p.config.QoS, p.config.Retained, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("timeout waiting for MQTT publish to complete")
	}
	if token.Error() != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, token.Error())
	}
	return nil
}
