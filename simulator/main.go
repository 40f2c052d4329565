// Command simulator pretends to be one aquarium device: it publishes sensor
// readings and acknowledges calibration and threshold commands.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

const timestampLayout = "2006-01-02T15:04:05.000Z"

type measurement struct {
	Value      float64  `json:"value"`
	Calibrated *float64 `json:"calibrated,omitempty"`
}

type reading struct {
	Timestamp   string       `json:"timestamp"`
	Temperature *measurement `json:"temperature,omitempty"`
	PH          *measurement `json:"ph,omitempty"`
	TDS         *measurement `json:"tds,omitempty"`
	DOLevel     *measurement `json:"do_level,omitempty"`
}

type ack struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Message   string `json:"message,omitempty"`
}

type simulator struct {
	client   paho.Client
	prefix   string
	deviceID string
	qos      byte
	ackMode  string
	badRate  float64
	rng      *rand.Rand
}

func main() {
	broker := flag.String("broker", "tcp://localhost:1883", "MQTT broker address")
	username := flag.String("username", "", "MQTT username")
	password := flag.String("password", "", "MQTT password")
	prefix := flag.String("prefix", "simonair/", "topic prefix")
	deviceID := flag.String("device", "SMNR-1234", "device id")
	interval := flag.Duration("interval", 5*time.Second, "telemetry interval")
	mode := flag.String("mode", "continuous", "run mode: single, continuous")
	ackMode := flag.String("ack", "ok", "reply to commands with: ok, error, silent")
	badRate := flag.Float64("bad-rate", 0, "fraction of readings carrying an out-of-range value")
	flag.Parse()

	opts := paho.NewClientOptions()
	opts.AddBroker(*broker)
	opts.SetClientID(fmt.Sprintf("simonair-sim-%s-%d", *deviceID, time.Now().Unix()))
	opts.SetUsername(*username)
	opts.SetPassword(*password)
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		fmt.Printf("connection lost: %v\n", err)
	})

	sim := &simulator{
		prefix:   *prefix,
		deviceID: *deviceID,
		qos:      1,
		ackMode:  *ackMode,
		badRate:  *badRate,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	opts.SetOnConnectHandler(func(c paho.Client) {
		for _, ch := range []string{"calibration", "thresholds"} {
			topic := sim.topic(ch)
			if token := c.Subscribe(topic, sim.qos, sim.onCommand); token.Wait() && token.Error() != nil {
				fmt.Printf("subscribe %s failed: %v\n", topic, token.Error())
			}
		}
	})

	sim.client = paho.NewClient(opts)
	if token := sim.client.Connect(); token.Wait() && token.Error() != nil {
		fmt.Printf("connect to %s failed: %v\n", *broker, token.Error())
		os.Exit(1)
	}
	fmt.Printf("connected to %s as %s\n", *broker, *deviceID)

	switch *mode {
	case "single":
		sim.publishReading()
		time.Sleep(time.Second)
	case "continuous":
		sim.run(*interval)
	default:
		fmt.Println("unknown mode, use single or continuous")
		os.Exit(1)
	}

	sim.client.Disconnect(250)
}

func (s *simulator) topic(ch string) string {
	return s.prefix + s.deviceID + "/" + ch
}

func (s *simulator) run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	s.publishReading()
	for {
		select {
		case <-ticker.C:
			s.publishReading()
		case <-sigChan:
			fmt.Println("stopping")
			return
		}
	}
}

func (s *simulator) around(center, spread float64) *measurement {
	v := center + (s.rng.Float64()*2-1)*spread
	cal := v + (s.rng.Float64()*2-1)*spread/10
	return &measurement{Value: round(v), Calibrated: ptr(round(cal))}
}

func (s *simulator) publishReading() {
	r := reading{
		Timestamp:   time.Now().UTC().Format(timestampLayout),
		Temperature: s.around(26, 1.5),
		PH:          s.around(7.2, 0.3),
		TDS:         s.around(420, 40),
		DOLevel:     s.around(7, 0.8),
	}
	if s.rng.Float64() < s.badRate {
		r.PH = &measurement{Value: 14.5}
	}

	payload, err := json.Marshal(r)
	if err != nil {
		fmt.Printf("encode reading: %v\n", err)
		return
	}
	topic := s.topic("data")
	token := s.client.Publish(topic, s.qos, false, payload)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		fmt.Printf("publish %s failed: %v\n", topic, token.Error())
		return
	}
	fmt.Printf("-> %s %s\n", topic, payload)
}

func (s *simulator) onCommand(c paho.Client, msg paho.Message) {
	fmt.Printf("<- %s %s\n", msg.Topic(), msg.Payload())

	var body map[string]interface{}
	reply := ack{Status: "ok", Timestamp: time.Now().UTC().Format(timestampLayout)}
	if err := json.Unmarshal(msg.Payload(), &body); err != nil {
		reply.Status = "error"
		reply.Message = "malformed command"
	}

	switch s.ackMode {
	case "silent":
		return
	case "error":
		reply.Status = "error"
		reply.Message = "sensor busy"
	}

	payload, _ := json.Marshal(reply)
	topic := msg.Topic() + "/ack"
	c.Publish(topic, s.qos, false, payload)
	fmt.Printf("-> %s %s\n", topic, payload)
}

func round(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}

func ptr(v float64) *float64 { return &v }
