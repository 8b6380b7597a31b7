// Dblink - S7 data block gateway daemon
//
// Compiles TIA Portal data block definitions into binary layouts, polls the
// blocks over S7, and republishes decoded field values via REST, MQTT,
// Valkey, and Kafka.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dblink/api"
	"dblink/blockman"
	"dblink/config"
	"dblink/kafka"
	"dblink/logging"
	"dblink/mqtt"
	"dblink/valkey"
)

// Version is set at build time via -ldflags
var Version = "dev"

// preprocessLogDebugFlag handles --log-debug without a value by injecting "all"
// as the default, so `--log-debug` alone enables all subsystem logging.
func preprocessLogDebugFlag() {
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--log-debug" || arg == "-log-debug" {
			if i+1 >= len(args) || (len(args[i+1]) > 0 && args[i+1][0] == '-') {
				os.Args = append(os.Args[:i+2], append([]string{"all"}, os.Args[i+2:]...)...)
			}
			return
		}
		if len(arg) > 11 && (arg[:12] == "--log-debug=" || arg[:11] == "-log-debug=") {
			return
		}
	}
}

// Command line flags
var (
	configPath  = flag.String("config", config.DefaultPath(), "Path to configuration file")
	showVersion = flag.Bool("version", false, "Show version and exit")
	checkConfig = flag.Bool("check", false, "Validate configuration and block definitions, then exit")
	namespace   = flag.String("namespace", "", "Set namespace (saved to config)")
	httpPort    = flag.Int("p", 0, "HTTP listen port (overrides config)")
	httpHost    = flag.String("host", "", "HTTP bind address (overrides config)")
	noAPI       = flag.Bool("no-api", false, "Disable REST API (ephemeral)")
	logFile     = flag.String("log", "", "Path to log file (optional)")
	logDebug    = flag.String("log-debug", "", "Enable debug logging to debug.log")
)

func main() {
	preprocessLogDebugFlag()

	flag.Parse()

	if *showVersion {
		fmt.Printf("dblink %s\n", Version)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	// Handle --namespace flag: overwrite config and save
	if *namespace != "" {
		if !config.IsValidNamespace(*namespace) {
			fmt.Fprintf(os.Stderr, "Error: invalid namespace '%s' (use alphanumeric, hyphen, underscore, dot)\n", *namespace)
			os.Exit(1)
		}
		cfg.Namespace = *namespace
		if err := cfg.Save(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Namespace set to '%s' and saved to config\n", *namespace)
	}

	// Override API config from flags (in memory only)
	if *httpPort != 0 {
		cfg.API.Port = *httpPort
	}
	if *httpHost != "" {
		cfg.API.Host = *httpHost
	}
	if *noAPI {
		cfg.API.Enabled = false
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	// Create block manager and compile all configured definitions
	manager := blockman.NewManager(cfg.PollRate)
	manager.LoadFromConfig(cfg)

	if *checkConfig {
		// Definitions that fail to compile are skipped by LoadFromConfig,
		// so compare loaded blocks against configured blocks.
		loaded := make(map[string]bool)
		for _, blk := range manager.ListBlocks() {
			loaded[blk.Config.Name] = true
		}
		failed := 0
		for _, blkCfg := range cfg.Blocks {
			if loaded[blkCfg.Name] {
				fmt.Printf("ok   %s (%s)\n", blkCfg.Name, blkCfg.DefinitionPath)
			} else {
				fmt.Printf("FAIL %s (%s)\n", blkCfg.Name, blkCfg.DefinitionPath)
				failed++
			}
		}
		if failed > 0 {
			os.Exit(1)
		}
		fmt.Println("Configuration OK")
		os.Exit(0)
	}

	// Set up file logging if specified
	var fileLogger *logging.FileLogger
	if *logFile != "" {
		fileLogger, err = logging.NewFileLogger(*logFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to open log file: %v\n", err)
			fileLogger = nil
		}
	}

	// Set up debug logging if specified
	var debugLogger *logging.DebugLogger
	if *logDebug != "" {
		debugLogger, err = logging.NewDebugLogger("debug.log")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to open debug log: %v\n", err)
		} else {
			filter := *logDebug
			if filter == "all" || filter == "true" || filter == "1" {
				filter = ""
			}
			debugLogger.SetFilter(filter)
			logging.SetGlobalDebugLogger(debugLogger)
		}
	}

	logInfo := func(format string, args ...interface{}) {
		if fileLogger != nil {
			fileLogger.Info(format, args...)
		}
	}

	// Create REST API server
	apiServer := api.NewServer(manager, &cfg.API)

	// Create republishing managers
	mqttMgr := mqtt.NewManager()
	mqttMgr.LoadFromConfig(cfg.MQTT, cfg.Namespace)

	valkeyMgr := valkey.NewManager(cfg.Namespace)
	valkeyMgr.LoadFromConfig(cfg.Valkey)

	kafkaMgr := kafka.NewManager(cfg.Namespace)
	kafkaMgr.LoadFromConfig(cfg.Kafka)

	// isWritable reports whether a field accepts writes: its block must
	// exist, not be read-only, and contain the field.
	isWritable := func(blockName, fieldName string) bool {
		blkCfg := cfg.FindBlock(blockName)
		if blkCfg == nil || blkCfg.ReadOnly {
			return false
		}
		return manager.FieldType(blockName, fieldName) != ""
	}

	writeField := func(blockName, fieldName string, value interface{}) error {
		return manager.WriteField(blockName, fieldName, value)
	}

	// Fan out decoded field changes to all republishers.
	// Each sink runs in its own goroutine to avoid blocking the others.
	manager.SetOnFieldChange(func(changes []blockman.FieldChange) {
		mqttRunning := mqttMgr.AnyRunning()
		valkeyRunning := valkeyMgr.AnyRunning()
		kafkaPublishing := kafkaMgr.AnyPublishing()

		apiServer.BroadcastChanges(changes)

		if !mqttRunning && !valkeyRunning && !kafkaPublishing {
			return
		}

		changesCopy := make([]blockman.FieldChange, len(changes))
		copy(changesCopy, changes)

		if mqttRunning {
			go func() {
				for _, c := range changesCopy {
					mqttMgr.Publish(c.BlockName, c.FieldName, c.TypeName, c.Value, true)
				}
			}()
		}

		if valkeyRunning {
			go func() {
				for _, c := range changesCopy {
					valkeyMgr.Publish(c.BlockName, c.FieldName, c.TypeName, c.Value, isWritable(c.BlockName, c.FieldName))
				}
			}()
		}

		if kafkaPublishing {
			go func() {
				for _, c := range changesCopy {
					// force=true since the poller already confirmed the change
					kafkaMgr.Publish(c.BlockName, c.FieldName, c.TypeName, c.Value, isWritable(c.BlockName, c.FieldName), true)
				}
			}()
		}
	})

	// Push block status changes to SSE subscribers
	manager.SetOnChange(apiServer.BroadcastStatus)

	// MQTT write handling
	mqttMgr.SetWriteHandler(writeField)
	mqttMgr.SetWriteValidator(isWritable)
	mqttMgr.SetFieldTypeLookup(manager.FieldTypeCode)

	blockNames := make([]string, len(cfg.Blocks))
	for i, blk := range cfg.Blocks {
		blockNames[i] = blk.Name
	}
	mqttMgr.SetBlockNames(blockNames)

	// Valkey write handling
	valkeyMgr.SetWriteHandler(writeField)
	valkeyMgr.SetWriteValidator(isWritable)
	valkeyMgr.SetOnConnectCallback(func() {
		forcePublishAllValuesToValkey(manager, valkeyMgr, isWritable)
	})

	// Start manager polling
	manager.Start()

	// Start REST API if enabled
	if cfg.API.Enabled {
		if err := apiServer.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to start REST server: %v\n", err)
		} else {
			fmt.Printf("REST API at %s\n", apiServer.Address())
		}
	}

	// Auto-connect enabled blocks first so there are values to publish
	manager.ConnectEnabled()

	// Auto-start enabled MQTT publishers in background
	go func() {
		if started := mqttMgr.StartAll(); started > 0 {
			forcePublishAllValuesToMQTT(manager, mqttMgr)
		}
	}()

	// Auto-start enabled Valkey publishers in background
	go func() {
		if started := valkeyMgr.StartAll(); started > 0 {
			forcePublishAllValuesToValkey(manager, valkeyMgr, isWritable)
		}
	}()

	// Auto-connect enabled Kafka clusters in background
	go kafkaMgr.ConnectEnabled()

	// Periodic health publishing
	go publishHealthLoop(manager, mqttMgr, valkeyMgr, kafkaMgr)

	logInfo("dblink %s started with %d blocks", Version, len(manager.ListBlocks()))
	fmt.Println("Running. Press Ctrl+C to stop.")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	fmt.Printf("\nReceived %v, shutting down...\n", sig)
	logInfo("received %v, shutting down", sig)

	// Graceful shutdown
	shutdownDone := make(chan struct{})
	go func() {
		mqttMgr.StopAll()
		valkeyMgr.StopAll()
		kafkaMgr.StopAll()
		apiServer.Stop()
		manager.Stop()
		manager.DisconnectAll()
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
	case <-time.After(2 * time.Second):
	}

	if fileLogger != nil {
		fileLogger.Close()
	}
	if debugLogger != nil {
		debugLogger.Close()
	}

	fmt.Println("Stopped")
}

// forcePublishAllValuesToMQTT publishes all current field values to MQTT brokers.
func forcePublishAllValuesToMQTT(manager *blockman.Manager, mqttMgr *mqtt.Manager) {
	for _, v := range manager.GetAllCurrentValues() {
		mqttMgr.Publish(v.BlockName, v.FieldName, v.TypeName, v.Value, true)
	}
}

// forcePublishAllValuesToValkey publishes all current field values to Valkey servers.
func forcePublishAllValuesToValkey(manager *blockman.Manager, valkeyMgr *valkey.Manager, isWritable func(string, string) bool) {
	for _, v := range manager.GetAllCurrentValues() {
		valkeyMgr.Publish(v.BlockName, v.FieldName, v.TypeName, v.Value, isWritable(v.BlockName, v.FieldName))
	}
}

// publishHealthLoop publishes block health status to all services every 10 seconds.
func publishHealthLoop(manager *blockman.Manager, mqttMgr *mqtt.Manager, valkeyMgr *valkey.Manager, kafkaMgr *kafka.Manager) {
	time.Sleep(2 * time.Second)

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	publishAllHealth(manager, mqttMgr, valkeyMgr, kafkaMgr)

	for range ticker.C {
		publishAllHealth(manager, mqttMgr, valkeyMgr, kafkaMgr)
	}
}

// publishAllHealth publishes health status for all blocks to MQTT, Valkey, and Kafka.
func publishAllHealth(manager *blockman.Manager, mqttMgr *mqtt.Manager, valkeyMgr *valkey.Manager, kafkaMgr *kafka.Manager) {
	for _, blk := range manager.ListBlocks() {
		status := blk.GetStatus()
		online := status == blockman.StatusConnected
		errMsg := ""
		if err := blk.GetError(); err != nil {
			errMsg = err.Error()
		}

		name := blk.Config.Name
		device := blk.Config.Device

		if mqttMgr.AnyRunning() {
			mqttMgr.PublishHealth(name, device, online, status.String(), errMsg)
		}
		if valkeyMgr.AnyRunning() {
			valkeyMgr.PublishHealth(name, device, online, status.String(), errMsg)
		}
		if kafkaMgr.AnyPublishing() {
			kafkaMgr.PublishHealth(name, device, online, status.String(), errMsg)
		}
	}
}
