//
// Copyright 2019-2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/coreos/go-systemd/v22/journal"
	"github.com/godbus/dbus/v5"
	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"gopkg.in/hlandau/service.v1"

	"github.com/storkd/storkd/auth"
	"github.com/storkd/storkd/busobj"
	"github.com/storkd/storkd/cleanup"
	"github.com/storkd/storkd/domain"
	"github.com/storkd/storkd/jobrunner"
	"github.com/storkd/storkd/loopdev"
	"github.com/storkd/storkd/mountmon"
	"github.com/storkd/storkd/raid"
	"github.com/storkd/storkd/registry"
	"github.com/storkd/storkd/state"
	"github.com/storkd/storkd/store"
	"github.com/storkd/storkd/sysfs"
)

const (
	runDir string = "/run/storkd"
	usage  string = `storkd

storkd is a daemon that assembles, monitors and tears down Linux software
RAID (mdadm) arrays on behalf of bus clients, and reconciles a small set
of durable/volatile journals against live kernel state so a crash never
leaves a stray mount, unlocked LUKS mapping or loop device behind.
`
	busName = "org.storkd.Daemon"
)

// denyAllPolicy is the seam auth.Authorizer falls back to for every
// non-root caller. Wiring it to a real polkit-style
// authority is left to a deployment that cares; this default fails closed
// rather than silently granting every non-root caller every action.
type denyAllPolicy struct{}

func (denyAllPolicy) IsAuthorized(ctx context.Context, action domain.Action, callerUid uint32, allowUserInteraction bool) (bool, error) {
	return false, nil
}

// journalHook mirrors every logrus entry into the systemd journal with the
// matching syslog priority. Formatted output still goes wherever the -log
// flag pointed it, so journald and a log file never fight over the stream.
type journalHook struct{}

func (h *journalHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *journalHook) Fire(entry *logrus.Entry) error {
	var pri journal.Priority
	switch entry.Level {
	case logrus.PanicLevel, logrus.FatalLevel:
		pri = journal.PriCrit
	case logrus.ErrorLevel:
		pri = journal.PriErr
	case logrus.WarnLevel:
		pri = journal.PriWarning
	case logrus.DebugLevel, logrus.TraceLevel:
		pri = journal.PriDebug
	default:
		pri = journal.PriInfo
	}

	vars := make(map[string]string, len(entry.Data))
	for k, v := range entry.Data {
		vars["STORKD_"+strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return journal.Send(entry.Message, pri, vars)
}

func setupRunDir() error {
	if err := os.MkdirAll(runDir, 0700); err != nil {
		return fmt.Errorf("failed to create %s: %s", runDir, err)
	}
	return nil
}

// runProfiler implements the cpu/memory profiling knob: mutually exclusive,
// and stopped explicitly by the service shutdown path rather than profile's
// own signal hook, since storkd already owns SIGTERM handling via
// gopkg.in/hlandau/service.v1.
func runProfiler(ctx *cli.Context) (interface{ Stop() }, error) {
	var prof interface{ Stop() }

	cpuOn := ctx.Bool("cpu-profiling")
	memOn := ctx.Bool("memory-profiling")
	if cpuOn && memOn {
		return nil, fmt.Errorf("unsupported parameter combination: cpu and memory profiling")
	}
	if !(cpuOn || memOn) {
		return nil, nil
	}

	if cpuOn {
		prof = profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.NoShutdownHook)
	}
	if memOn {
		prof = profile.Start(profile.MemProfile, profile.ProfilePath("."), profile.NoShutdownHook)
	}
	return prof, nil
}

// daemonState wires every collaborator built in this package and carries them
// for the lifetime of one service.Main RunFunc invocation.
type daemonState struct {
	conn      *dbus.Conn
	cleanup   *cleanup.Engine
	arrays    *state.ArrayDB
	objects   map[string]*busobj.Array
	reconcile *raid.Service
	prof      interface{ Stop() }
}

func setupDaemon(ctx *cli.Context) (*daemonState, error) {
	if err := setupRunDir(); err != nil {
		return nil, err
	}

	fs := store.New(ctx.GlobalString("durable-dir"), ctx.GlobalString("volatile-dir"))
	jobs := jobrunner.New()
	reg := registry.New()
	mounts := mountmon.New()
	loops := loopdev.New()
	sysFS := sysfs.NewOS()

	cleanupEngine := cleanup.NewEngine(cleanup.Deps{
		Store:    fs,
		Jobs:     jobs,
		Mounts:   mounts,
		SysFS:    sysFS,
		Loops:    loops,
		Registry: reg,
	})

	// Startup reconciliation: unwind anything orphaned by a prior crash
	// before a single bus object is exported.
	logrus.Info("storkd: running startup cleanup pass")
	if err := cleanupEngine.RunOnce(context.Background()); err != nil {
		return nil, fmt.Errorf("startup cleanup pass failed: %w", err)
	}
	cleanupEngine.Start()

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		cleanupEngine.Stop()
		return nil, fmt.Errorf("connecting to system bus: %w", err)
	}

	reply, err := conn.RequestName(busName, dbus.NameFlagDoNotQueue)
	if err != nil {
		cleanupEngine.Stop()
		conn.Close()
		return nil, fmt.Errorf("requesting bus name %s: %w", busName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		cleanupEngine.Stop()
		conn.Close()
		return nil, fmt.Errorf("bus name %s already owned by another process", busName)
	}

	caller := busobj.NewCaller(conn)
	authorizer := auth.New(denyAllPolicy{})
	arrays := state.NewArrayDB()
	mgr := raid.NewManager(arrays, jobs, sysFS, reg, cleanupEngine, authorizer, caller)

	// svc drives per-array reconciliation and the adaptive poller: every
	// uevent, member-set change or poller tick recomputes one array's
	// published state and (via OnCreated/OnChanged below) keeps its bus
	// object in sync. Feeding svc.Reconcile(uuid, in) from real kernel
	// uevents is the udev/block-enumeration layer's job — nothing in this
	// daemon invents that discovery layer; svc is the seam it plugs into.
	reconciler := raid.NewReconciler(sysFS, reg)
	svc := raid.NewService(arrays, reconciler)

	prof, err := runProfiler(ctx)
	if err != nil {
		cleanupEngine.Stop()
		conn.Close()
		return nil, err
	}

	d := &daemonState{
		conn:    conn,
		cleanup: cleanupEngine,
		arrays:  arrays,
		objects: make(map[string]*busobj.Array),
		prof:    prof,
	}

	svc.OnCreated = func(uuid string) {
		path := dbus.ObjectPath("/org/storkd/RAIDArray/" + sanitizeUUID(uuid))
		obj, err := busobj.Export(conn, path, uuid, mgr, arrays)
		if err != nil {
			logrus.WithError(err).WithField("uuid", uuid).Error("storkd: failed exporting newly discovered RAID array")
			return
		}
		d.objects[uuid] = obj
	}
	svc.OnChanged = func(uuid string) {
		if obj, ok := d.objects[uuid]; ok {
			obj.Notify()
		}
	}
	svc.OnRemoved = func(uuid string) {
		delete(d.objects, uuid)
	}
	d.reconcile = svc

	if err := conn.Export(&arrayFactory{mgr: mgr, arrays: arrays, daemon: d}, "/org/storkd/Daemon", "org.storkd.Daemon"); err != nil {
		cleanupEngine.Stop()
		conn.Close()
		return nil, fmt.Errorf("exporting daemon object: %w", err)
	}

	return d, nil
}

// arrayFactory is the one top-level bus object storkd exports
// unconditionally. Arrays are normally exported automatically the moment
// raid.Service first learns about them (svc.OnCreated above); ExportArray
// exists as an idempotent manual fallback for a client that raced the
// daemon's own export (or that reconnected after a restart) and wants to
// retry.
type arrayFactory struct {
	mgr    *raid.Manager
	arrays *state.ArrayDB
	daemon *daemonState
}

func (f *arrayFactory) ExportArray(uuid string) *dbus.Error {
	if _, ok := f.arrays.Get(uuid); !ok {
		return dbus.NewError("org.storkd.Daemon.NotFound", []interface{}{fmt.Sprintf("no array known with uuid %q", uuid)})
	}
	if _, already := f.daemon.objects[uuid]; already {
		return nil
	}
	path := dbus.ObjectPath("/org/storkd/RAIDArray/" + sanitizeUUID(uuid))
	obj, err := busobj.Export(f.daemon.conn, path, uuid, f.mgr, f.arrays)
	if err != nil {
		return dbus.NewError("org.storkd.Daemon.Failed", []interface{}{err.Error()})
	}
	f.daemon.objects[uuid] = obj
	return nil
}

func sanitizeUUID(uuid string) string {
	out := make([]rune, 0, len(uuid))
	for _, r := range uuid {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}

func (d *daemonState) shutdown() {
	logrus.Info("storkd: shutting down")
	d.cleanup.Stop()
	if d.prof != nil {
		d.prof.Stop()
	}
	if err := d.conn.Close(); err != nil {
		logrus.WithError(err).Warn("storkd: error closing bus connection")
	}
}

func main() {
	app := cli.NewApp()
	app.Name = "storkd"
	app.Usage = usage

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "durable-dir",
			Value: "/var/lib/storkd",
			Usage: "durable journal/state storage root (survives reboot)",
		},
		cli.StringFlag{
			Name:  "volatile-dir",
			Value: "/run/storkd/state",
			Usage: "volatile journal/state storage root (survives daemon restart only)",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "",
			Usage: "log file path or empty string for stderr output (default: \"\")",
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: "info",
			Usage: "log categories to include (debug, info, warning, error, fatal)",
		},
		cli.StringFlag{
			Name:  "log-format",
			Value: "text",
			Usage: "log format; must be json or text",
		},
		cli.BoolFlag{
			Name:  "journal",
			Usage: "also send log entries to the systemd journal, in addition to stderr/file",
		},
		cli.BoolFlag{
			Name:   "cpu-profiling",
			Usage:  "enable cpu-profiling data collection",
			Hidden: true,
		},
		cli.BoolFlag{
			Name:   "memory-profiling",
			Usage:  "enable memory-profiling data collection",
			Hidden: true,
		},
	}

	app.Before = func(ctx *cli.Context) error {
		if ctx.Bool("journal") {
			if journal.Enabled() {
				logrus.AddHook(&journalHook{})
			} else {
				logrus.Info("storkd: -journal requested but journald is not available, using stderr only")
			}
		}

		if path := ctx.GlobalString("log"); path != "" {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_SYNC, 0666)
			if err != nil {
				logrus.Fatalf("error opening log file %v: %v. Exiting ...", path, err)
				return err
			}
			logrus.SetOutput(f)
			log.SetOutput(f)
		} else {
			logrus.SetOutput(os.Stderr)
			log.SetOutput(os.Stderr)
		}

		if ctx.GlobalString("log-format") == "json" {
			logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02 15:04:05"})
		} else {
			logrus.SetFormatter(&logrus.TextFormatter{TimestampFormat: "2006-01-02 15:04:05", FullTimestamp: true})
		}

		switch ctx.GlobalString("log-level") {
		case "debug":
			logrus.SetLevel(logrus.DebugLevel)
		case "info", "":
			logrus.SetLevel(logrus.InfoLevel)
		case "warning":
			logrus.SetLevel(logrus.WarnLevel)
		case "error":
			logrus.SetLevel(logrus.ErrorLevel)
		case "fatal":
			logrus.SetLevel(logrus.FatalLevel)
		default:
			logrus.Fatalf("log-level option %q not recognized. Exiting ...", ctx.GlobalString("log-level"))
		}

		return nil
	}

	app.Action = func(ctx *cli.Context) error {
		service.Main(&service.Info{
			Name:        "storkd",
			Description: "storage resource control daemon",
			RunFunc: func(smgr service.Manager) error {
				d, err := setupDaemon(ctx)
				if err != nil {
					return err
				}

				// No-op unless privilege-dropping flags were given; storkd
				// needs root for mdadm/sysfs either way.
				if err := smgr.DropPrivileges(); err != nil {
					d.shutdown()
					return err
				}

				smgr.SetStarted()
				smgr.SetStatus("storkd: running ok")
				daemon.SdNotify(false, daemon.SdNotifyReady)
				logrus.Info("storkd: ready")

				<-smgr.StopChan()

				daemon.SdNotify(false, daemon.SdNotifyStopping)
				d.shutdown()
				return nil
			},
		})
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}
