package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"BatteryManager6813/bms"
	"BatteryManager6813/canbus"
	"BatteryManager6813/config"
	"BatteryManager6813/contactor"
	"BatteryManager6813/datalog"
	"BatteryManager6813/fsm"
	"BatteryManager6813/ltc6813"
	"BatteryManager6813/store"
	"BatteryManager6813/web"
	"github.com/brutella/can"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpioreg"
	"periph.io/x/periph/conn/physic"
	"periph.io/x/periph/conn/spi"
	"periph.io/x/periph/conn/spi/spireg"
	"periph.io/x/periph/host"
)

const spiBitsPerWord = 8

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the battery manager",
	Long: `Open the LTC6813 chain on the SPI port, the contactor Modbus unit, the CAN interface and the
database, then run the control loop until interrupted. On exit the contactors and the discharge
switches are opened.`,
	Args: cobra.NoArgs,
	RunE: runBMS,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// openChain opens the SPI port and builds the chain driver on it.
func openChain(cc config.ChainConfig) (*ltc6813.Chain, func(), error) {
	if _, err := host.Init(); err != nil {
		return nil, nil, fmt.Errorf("periph host init: %w", err)
	}
	var freq physic.Frequency
	if err := freq.Set(cc.Speed); err != nil {
		return nil, nil, fmt.Errorf("chain.speed: %w", err)
	}
	port, err := spireg.Open(cc.SPIPort)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", cc.SPIPort, err)
	}
	conn, err := port.Connect(freq, spi.Mode0, spiBitsPerWord)
	if err != nil {
		_ = port.Close()
		return nil, nil, fmt.Errorf("connect %s: %w", cc.SPIPort, err)
	}
	opts := []ltc6813.Option{
		ltc6813.WithCellsPerDevice(cc.CellsPerDevice),
		ltc6813.WithPollInterval(cc.PollInterval),
		ltc6813.WithBCoefficient(cc.BCoefficient),
	}
	if cc.ChipSelect != "" {
		pin := gpioreg.ByName(cc.ChipSelect)
		if pin == nil {
			_ = port.Close()
			return nil, nil, fmt.Errorf("chain.chip_select: no pin %q", cc.ChipSelect)
		}
		if err := pin.Out(gpio.High); err != nil {
			_ = port.Close()
			return nil, nil, fmt.Errorf("chain.chip_select: %w", err)
		}
		opts = append(opts, ltc6813.WithChipSelect(pin))
	}
	closer := func() {
		if err := port.Close(); err != nil {
			log.WithError(err).Warn("Closing the SPI port failed")
		}
	}
	return ltc6813.New(conn, cc.Devices, opts...), closer, nil
}

// openStore picks the balancing configuration backend. A nil store disables persistence.
func openStore(cfg config.Config, db *sql.DB) store.Store {
	switch cfg.Store.Backend {
	case "redis":
		return store.NewRedis(redis.NewClient(&redis.Options{Addr: cfg.Store.RedisAddr, DB: cfg.Store.RedisDB}))
	case "mysql":
		if db == nil {
			log.Warn("Balancing configuration store needs the database, persistence disabled")
			return nil
		}
		return store.NewSQL(db)
	}
	return nil
}

// canStatus reduces a controller status to the CAN status frames.
func canStatus(s bms.Status) canbus.Status {
	return canbus.Status{
		PackMillivolts: s.Snapshot.PackMillivolts(),
		Current:        s.Snapshot.Current,
		MaxTemperature: s.Snapshot.MaxTemperature,
		MinVoltage:     s.Snapshot.MinVoltage,
		MaxVoltage:     s.Snapshot.MaxVoltage,
		MinCell:        s.Snapshot.MinCell,
		MaxCell:        s.Snapshot.MaxCell,
		State:          s.State,
		Fatal:          s.Fatal,
		Balancing:      s.Balancing.Count() > 0,
	}
}

func runBMS(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := setupLogging(cfg); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chain, closeSPI, err := openChain(cfg.Chain)
	if err != nil {
		return err
	}
	defer closeSPI()

	relays := contactor.New(cfg.Contactor)
	if err := relays.Connect(); err != nil {
		return fmt.Errorf("contactor: %w", err)
	}
	defer relays.Close()

	var db *sql.DB
	var logger *datalog.Logger
	if cfg.Database.Host != "" {
		db, err = datalog.Open(datalog.Config{
			Host:     cfg.Database.Host,
			Name:     cfg.Database.Name,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
		})
		if err != nil {
			log.WithError(err).Warn("Database unavailable, running without data logging")
			db = nil
		} else {
			defer db.Close()
			logger = datalog.New(db)
		}
	}
	st := openStore(cfg, db)

	var (
		ctl      *bms.Controller
		server   *web.Server
		recorder *datalog.Recorder
		node     *canbus.Node
		bus      *can.Bus
		wg       sync.WaitGroup
	)
	opts := []bms.Option{bms.WithCurrentSensor(relays), bms.WithBusSensor(relays)}
	if st != nil {
		opts = append(opts, bms.WithConfigStore(st))
	}
	if logger != nil && cfg.Database.LogInterval > 0 {
		recorder = datalog.NewRecorder(logger, cfg.Database.LogInterval)
		opts = append(opts, bms.WithObserver(recorder.Observe), bms.WithFaultListener(recorder.Fault))
	}
	if cfg.CAN.Interface != "" {
		bus, err = can.NewBusForInterfaceWithName(cfg.CAN.Interface)
		if err != nil {
			log.WithError(err).Error("CAN interface unavailable, running without CAN")
		} else {
			node = canbus.NewNode(bus, cfg.CAN.IDs, func(e fsm.Event) {
				if err := ctl.Fire(e); err != nil {
					log.WithError(err).WithField("event", e).Warn("CAN command rejected")
				}
			})
			opts = append(opts, bms.WithEmitter(fsm.EmitterFunc(node.Emit)))
		}
	}
	if cfg.Web.Listen != "" {
		opts = append(opts, bms.WithObserver(func(s bms.Status) { server.Observe(s) }))
	}

	ctl = bms.New(cfg.Controller(), chain, relays, cfg.Balancing, opts...)
	if st != nil {
		pc := ctl.Context()
		pc.Balancer.SetConfig(store.LoadOrDefault(ctx, st, cfg.Balancing, pc.Faults, time.Now()))
	}

	if recorder != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			recorder.Run(ctx)
		}()
	}
	if node != nil {
		bus.SubscribeFunc(node.HandleFrame)
		go func() {
			if err := bus.ConnectAndPublish(); err != nil {
				log.WithError(err).Error("CAN ConnectAndPublish failed")
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			node.Run(ctx, func() canbus.Status { return canStatus(ctl.Status()) })
			if err := bus.Disconnect(); err != nil {
				log.WithError(err).Warn("CAN disconnect failed")
			}
		}()
	}
	if cfg.Web.Listen != "" {
		var webOpts []web.Option
		if logger != nil {
			webOpts = append(webOpts, web.WithHistory(logger))
		}
		if cfg.Web.StaticPath != "" {
			webOpts = append(webOpts, web.WithStatic(cfg.Web.StaticPath))
		}
		server = web.New(ctl, webOpts...)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Run(ctx, cfg.Web.Listen); err != nil {
				log.WithError(err).Error("WEB server failed")
			}
		}()
	}

	log.WithFields(log.Fields{
		"devices": cfg.Chain.Devices,
		"cells":   chain.Cells(),
		"spi":     cfg.Chain.SPIPort,
	}).Info("Starting the control loop")
	err = ctl.Run(ctx)
	wg.Wait()
	log.Info("Battery manager stopped")
	return err
}
