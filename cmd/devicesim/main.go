// Command devicesim is a minimal standalone device: it speaks the same
// MQTT hello/goodbye handshake and AES-CTR UDP datagram framing the
// gateway expects, for exercising a running gateway without real
// hardware. Grounded on the teacher's test_client.go/audio_test_client.go
// pattern of a small flag-driven harness that prints its own progress.
package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	tbcipher "github.com/toybridge/gateway/internal/cipher"
	"github.com/toybridge/gateway/internal/controlbus"
	"github.com/toybridge/gateway/internal/transport"
)

func main() {
	broker := flag.String("broker", "tcp://127.0.0.1:1883", "MQTT broker URL")
	group := flag.String("group", "G", "device group segment of the client id")
	mac := flag.String("mac", "00_16_3e_ac_b5_38", "device mac, underscore-separated")
	uuid := flag.String("uuid", "simulated-device-1", "device uuid segment of the client id")
	flag.Parse()

	fullID := fmt.Sprintf("%s@@@%s@@@%s", *group, *mac, *uuid)

	opts := mqtt.NewClientOptions().AddBroker(*broker).SetClientID("devicesim-" + *uuid).SetAutoReconnect(true)
	replyCh := make(chan controlbus.HelloOut, 1)

	opts.SetOnConnectHandler(func(mq mqtt.Client) {
		topic := "devices/p2p/" + fullID
		if token := mq.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
			var env controlbus.Envelope
			if err := json.Unmarshal(msg.Payload(), &env); err != nil {
				return
			}
			if env.Type != "hello" {
				log.Printf("devicesim: received %q: %s", env.Type, msg.Payload())
				return
			}
			var hello controlbus.HelloOut
			if err := json.Unmarshal(msg.Payload(), &hello); err != nil {
				log.Printf("devicesim: malformed hello reply: %v", err)
				return
			}
			select {
			case replyCh <- hello:
			default:
			}
		}); token.Wait() && token.Error() != nil {
			log.Fatalf("devicesim: subscribe %s: %v", topic, token.Error())
		}
	})

	mq := mqtt.NewClient(opts)
	if token := mq.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("devicesim: connect broker: %v", token.Error())
	}
	defer mq.Disconnect(250)

	hello := controlbus.HelloIn{
		Type:    "hello",
		Version: 3,
		AudioParams: controlbus.AudioParams{
			SampleRate:    16000,
			Channels:      1,
			FrameDuration: 60,
			Format:        "opus",
		},
	}
	body, _ := json.Marshal(hello)
	if token := mq.Publish("devices/"+fullID+"/hello", 0, false, body); token.Wait() && token.Error() != nil {
		log.Fatalf("devicesim: publish hello: %v", token.Error())
	}
	fmt.Println("devicesim: hello sent, waiting for reply...")

	var reply controlbus.HelloOut
	select {
	case reply = <-replyCh:
		fmt.Printf("devicesim: connected, session=%s mode=%s udp=%s:%d\n", reply.SessionID, reply.Mode, reply.UDP.Server, reply.UDP.Port)
	case <-time.After(10 * time.Second):
		log.Fatal("devicesim: no hello reply within 10s")
	}

	if err := runUDP(reply); err != nil {
		log.Fatalf("devicesim: udp session: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	goodbye := controlbus.GoodbyeIn{Type: "goodbye", SessionID: reply.SessionID}
	body, _ = json.Marshal(goodbye)
	_ = mq.Publish("devices/"+fullID+"/data", 0, false, body)
	fmt.Println("devicesim: goodbye sent, exiting")
}

// runUDP dials the gateway's datagram port and sends periodic liveness
// pings so the session's inactivity clock keeps getting touched; a real
// device would send Opus frames here instead.
func runUDP(reply controlbus.HelloOut) error {
	var key [16]byte
	if err := decodeHex(reply.UDP.Key, key[:]); err != nil {
		return fmt.Errorf("decode key: %w", err)
	}

	dst := &net.UDPAddr{IP: net.ParseIP(reply.UDP.Server), Port: reply.UDP.Port}
	conn, err := net.DialUDP("udp", nil, dst)
	if err != nil {
		return err
	}

	sc := tbcipher.New()
	algo := tbcipher.Algorithm(reply.UDP.Encryption)
	start := time.Now()

	go func() {
		var seq uint32
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			seq++
			if err := sendPing(conn, sc, algo, key, reply.UDP.ConnectionID, uint32(time.Since(start).Milliseconds()), seq); err != nil {
				log.Printf("devicesim: send ping failed: %v", err)
			}
		}
	}()

	return nil
}

func sendPing(conn *net.UDPConn, sc *tbcipher.StreamingCipher, algo tbcipher.Algorithm, key [16]byte, connID, timestamp, seq uint32) error {
	payload := []byte("ping:")
	h := transport.Header{
		Type:         transport.PacketType,
		PayloadLen:   uint16(len(payload)),
		ConnectionID: connID,
		Timestamp:    timestamp,
		Sequence:     seq,
	}
	header := h.Encode()
	ciphertext, err := sc.Encrypt(payload, algo, key[:], header)
	if err != nil {
		return err
	}
	datagram := append(header, ciphertext...)
	_, err = conn.Write(datagram)
	return err
}

func decodeHex(s string, dst []byte) error {
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(b) != len(dst) {
		return fmt.Errorf("expected %d bytes, got %d", len(dst), len(b))
	}
	copy(dst, b)
	return nil
}
