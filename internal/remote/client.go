package remote

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"neurorec/internal/config"
	"neurorec/internal/logging"
)

const connectTimeout = 5 * time.Second

// Connect dials the broker with automatic reconnection.
func Connect(cfg config.MQTT, logger *slog.Logger) (mqtt.Client, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logging.NewComponentLogger(logger, "remote")

	opts := mqtt.NewClientOptions()
	opts.AddBroker("tcp://" + cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		logger.Info("mqtt connection established",
			logging.String("broker", cfg.Broker),
			logging.String("client_id", cfg.ClientID),
		)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logging.WarnWithContext(logger, "mqtt connection lost; reconnecting", "mqtt_connection_lost",
			logging.String("broker", cfg.Broker),
			logging.String(logging.FieldImpact, "remote commands are not received until reconnect"),
			logging.String(logging.FieldErrorHint, "check the broker is reachable"),
			logging.Error(err),
		)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, errors.New("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	return client, nil
}
