package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"slammap/binlog"
	"slammap/config"
	"slammap/featuresmap"
	"slammap/notify"
	"slammap/optimizer"
	"slammap/posegraph"
	"slammap/sensormodel"
	"slammap/server"
)

func main() {
	port := flag.Int("port", 44333, "UDP port to listen on for ingest traffic")
	httpPort := flag.Int("http", 0, "HTTP/WebSocket port for the live viewer (0 to disable)")
	sensorXML := flag.String("sensor", "sensor.xml", "Path to sensor.xml")
	mapXML := flag.String("map", "map.xml", "Path to map.xml")
	pcapPath := flag.String("pcap", "", "Path or directory to log ingest traffic as a pcap capture (optional)")
	relayUDP := flag.String("relay-udp", "", "UDP address to relay pose-update notifications to (optional)")
	relayTCP := flag.String("relay-tcp", "", "TCP address to relay pose-update notifications to (optional)")
	flag.Parse()

	if _, err := os.Stat(*sensorXML); os.IsNotExist(err) {
		log.Fatalf("sensor.xml not found at %s", *sensorXML)
	}

	log.Println("loading configuration...")
	sensorCfg, err := config.LoadSensorConfig(*sensorXML)
	if err != nil {
		log.Fatalf("failed to load sensor config: %v", err)
	}
	mapCfg := config.DefaultMapConfig()
	if _, err := os.Stat(*mapXML); err == nil {
		mapCfg, err = config.LoadMapConfig(*mapXML)
		if err != nil {
			log.Fatalf("failed to load map config: %v", err)
		}
	}

	model, err := sensormodel.New(sensorCfg)
	if err != nil {
		log.Fatalf("failed to build sensor model: %v", err)
	}

	graph := posegraph.NewSolver()
	fm, err := featuresmap.New(mapCfg, model, graph)
	if err != nil {
		log.Fatalf("failed to build features map: %v", err)
	}

	udpSvr, err := server.NewUDPServer(*port, fm)
	if err != nil {
		log.Fatalf("failed to create UDP server: %v", err)
	}

	var hub *server.Hub
	if *httpPort > 0 {
		hub = server.NewHub()
		go hub.Run()
		udpSvr.SetHub(hub)

		mux := http.NewServeMux()
		mux.Handle("/ws", hub)
		go func() {
			addr := fmt.Sprintf(":%d", *httpPort)
			log.Printf("serving live viewer on %s/ws", addr)
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Printf("http server exited: %v", err)
			}
		}()
	}

	if *pcapPath != "" {
		path := *pcapPath
		if fi, err := os.Stat(path); err == nil && fi.IsDir() {
			path = fmt.Sprintf("%s/INGEST_%s.pcap", path, time.Now().Format("20060102150405"))
		}
		pw, err := binlog.NewPcapWriter(path)
		if err != nil {
			log.Fatalf("failed to create pcap writer: %v", err)
		}
		defer pw.Close()
		udpSvr.SetPcapWriter(pw)
		log.Printf("logging ingest traffic to %s", path)
	}

	var relay *notify.Sender
	if *relayUDP != "" || *relayTCP != "" {
		relay = notify.NewSender()
		if *relayUDP != "" {
			if err := relay.AddUDPSender(*relayUDP, notify.FlagPose|notify.FlagLoopClosure); err != nil {
				log.Fatalf("failed to add UDP relay sink: %v", err)
			}
		}
		if *relayTCP != "" {
			relay.AddTCPSender(*relayTCP, notify.FlagPose|notify.FlagLoopClosure)
		}
		if err := relay.Start(); err != nil {
			log.Fatalf("failed to start relay sender: %v", err)
		}
		defer relay.Stop()
		udpSvr.SetNotifier(relay)
	}

	driver := optimizer.New(fm, mapCfg)
	driver.Start()

	go func() {
		if err := udpSvr.Start(); err != nil {
			log.Fatalf("udp server exited: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("shutting down...")
	udpSvr.Stop()
	driver.Stop()
	if hub != nil {
		hub.Close()
	}
}
