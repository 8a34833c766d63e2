// Package remote accepts recording commands over MQTT. Commands arrive as
// JSON on <prefix>/cmd, are executed in order on one goroutine and are
// acknowledged on <prefix>/ack; run status snapshots go to <prefix>/status.
package remote
