/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gravwell/ofswitch/config"
	"github.com/gravwell/ofswitch/dataplane"
	"github.com/gravwell/ofswitch/datastore"
	"github.com/gravwell/ofswitch/log"
	"github.com/gravwell/ofswitch/mbuf"
	"github.com/gravwell/ofswitch/port"
)

const (
	defaultConfigLoc = `/opt/gravwell/etc/ofswitch.conf`
	appName          = `ofswitchd`
)

var (
	configLoc = flag.String("config-file", defaultConfigLoc, "Location of the configuration file")
	verbose   = flag.Bool("v", false, "Verbose status output")

	debugOn bool
	lg      *log.Logger
)

func main() {
	flag.Parse()
	debugOn = *verbose

	cfg, err := config.LoadConfigFile(*configLoc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration %v\n", err)
		return
	}
	if lg, err = log.NewStderrLogger(cfg.Global.Log_File); err != nil {
		fmt.Fprintf(os.Stderr, "failed to get logger %v\n", err)
		return
	}
	defer lg.Close()
	if err = lg.SetLevelString(cfg.Global.Log_Level); err != nil {
		lg.FatalCode(0, "invalid log level", log.KV("level", cfg.Global.Log_Level))
	}

	poolSize := cfg.MempoolBuffers()
	if poolSize == 0 {
		poolSize = mbuf.DefaultPoolBuffers
	}
	pool, err := mbuf.NewPool(`mbuf_pool_0`, poolSize)
	if err != nil {
		lg.FatalCode(0, "failed to create packet pool", log.KVErr(err))
	}

	dpCfg, err := cfg.Dataplane()
	if err != nil {
		lg.FatalCode(0, "invalid dataplane configuration", log.KVErr(err))
	}
	ports := port.NewTable()
	dp, err := dataplane.New(dpCfg, lg, pool, ports)
	if err != nil {
		lg.FatalCode(0, "failed to build dataplane", log.KVErr(err))
	}
	debugout("dataplane ready with %d workers\n", dp.NumWorkers())

	dsPath := ``
	if cfg.Global.Data_Dir != `` {
		dsPath = filepath.Join(cfg.Global.Data_Dir, `datastore.db`)
	}
	store := datastore.NewStore(lg, dsPath)
	store.SetApplier(newApplier(lg, pool, ports, dp))

	if err = seedStore(store, cfg); err != nil {
		lg.FatalCode(0, "failed to apply static configuration", log.KVErr(err))
	}
	if dsPath != `` {
		if err = store.Save(); err != nil {
			lg.Error("failed to snapshot datastore", log.KVErr(err))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	lg.Info("starting dataplane", log.KV("workers", dp.NumWorkers()))
	if err = dp.Run(ctx); err != nil {
		lg.Error("dataplane exited", log.KVErr(err))
	}
	lg.Info("shutdown complete")
}

// seedStore replays the static file configuration through the datastore
// so the live objects and the transactional view stay in one place
func seedStore(store *datastore.Store, cfg *config.Config) error {
	for name, bc := range cfg.Bridge {
		attrs := datastore.Attrs{}
		if bc != nil {
			attrs[`dpid`] = bc.DPID
		}
		if err := store.Create(datastore.KindBridge, name, attrs); err != nil {
			return err
		}
		if err := store.Enable(datastore.KindBridge, name); err != nil {
			return err
		}
	}
	for name, pc := range cfg.Policer {
		if pc == nil {
			continue
		}
		actName := name + `-action`
		if err := store.Create(datastore.KindPolicerAction, actName,
			datastore.Attrs{`type`: `discard`}); err != nil {
			return err
		}
		bw, err := config.ParseSize(pc.Bandwidth_Limit)
		if err != nil {
			return err
		}
		burst, err := config.ParseSize(pc.Burst_Size_Limit)
		if err != nil {
			return err
		}
		if err = store.Create(datastore.KindPolicer, name, datastore.Attrs{
			`actions`:          `+` + actName,
			`bandwidth-limit`:  bw,
			`burst-size-limit`: burst,
		}); err != nil {
			return err
		}
	}
	for name, qc := range cfg.Queue {
		if qc == nil {
			continue
		}
		attrs := datastore.Attrs{
			`type`:     qc.Type,
			`priority`: uint64(qc.Priority),
			`color`:    qc.Color,
		}
		pairs := []struct {
			field string
			val   string
		}{
			{`committed-information-rate`, qc.Committed_Information_Rate},
			{`committed-burst-size`, qc.Committed_Burst_Size},
			{`excess-burst-size`, qc.Excess_Burst_Size},
			{`peak-information-rate`, qc.Peak_Information_Rate},
			{`peak-burst-size`, qc.Peak_Burst_Size},
		}
		for _, pr := range pairs {
			if pr.val == `` {
				continue
			}
			v, err := config.ParseSize(pr.val)
			if err != nil {
				return err
			}
			attrs[pr.field] = v
		}
		if err := store.Create(datastore.KindQueue, name, attrs); err != nil {
			return err
		}
	}
	for name, ic := range cfg.Interface {
		if ic == nil {
			continue
		}
		ifType := ic.Type
		if ifType == `` {
			ifType = `ethernet-rawsock`
		}
		attrs := datastore.Attrs{
			`type`:   ifType,
			`device`: ic.Device,
		}
		if ic.MTU != 0 {
			attrs[`mtu`] = uint64(ic.MTU)
		}
		if ic.IP_Addr != `` {
			attrs[`ip-addr`] = ic.IP_Addr
		}
		if err := store.Create(datastore.KindInterface, name, attrs); err != nil {
			return err
		}
		if err := store.Enable(datastore.KindInterface, name); err != nil {
			return err
		}
		pname := name + `-port`
		pattrs := datastore.Attrs{
			`interface`:   name,
			`port-number`: uint64(ic.Port_Number),
		}
		if err := store.Create(datastore.KindPort, pname, pattrs); err != nil {
			return err
		}
		if ic.Bridge != `` {
			if err := store.Config(datastore.KindBridge, ic.Bridge,
				datastore.Attrs{`ports`: `+` + pname}); err != nil {
				return err
			}
		}
		if err := store.Enable(datastore.KindPort, pname); err != nil {
			return err
		}
	}
	return nil
}

func debugout(format string, args ...interface{}) {
	if debugOn {
		fmt.Printf(format, args...)
	}
}
