package main

import (
	"context"
	"encoding/json"
	"log"
	"os"

	"redline/engine/internal/appdirs"
	"redline/engine/internal/convert"
	"redline/engine/internal/engine"
	"redline/engine/internal/envfile"
	"redline/engine/internal/envutil"
	"redline/engine/internal/errinfo"
	"redline/engine/internal/logging"
	"redline/engine/internal/rpc"
	"redline/engine/internal/settings"
)

func main() {
	envResult := envfile.Load()
	debug := envutil.Bool("REDLINE_DEBUG")
	dataDir, err := appdirs.DataDir()
	if err != nil {
		log.Fatalf("engine init failed: %v", err)
	}
	logSetup, logErr := logging.NewFileLogger(dataDir, debug)
	logger := logSetup.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.With("component", "engine")
	if logSetup.Enabled {
		logger.Info("engine.logging_enabled", "path", logSetup.Path)
	}
	if envResult.Loaded {
		logger.Debug("engine.env_loaded", "path", envResult.Path, "keys", envResult.Keys)
	}
	if envResult.Err != nil {
		logger.Warn("engine.env_load_failed", "path", envResult.Path, "error", envResult.Err.Error())
	}
	if logErr != nil {
		logger.Warn("engine.log_setup_failed", "error", logErr.Error())
	}
	if logSetup.Close != nil {
		defer logSetup.Close()
	}

	cfg, err := settings.NewStore(appdirs.SettingsPath(dataDir)).Load()
	if err != nil {
		logger.Error("engine.settings_failed", "error", err.Error())
		log.Fatalf("engine init failed: %v", err)
	}

	// Notebook decoding runs in an external worker when one is configured;
	// plain text is handled in-process either way.
	var notebook convert.Converter
	var worker *convert.Worker
	if os.Getenv("REDLINE_CONVERTER_PATH") != "" {
		worker = convert.NewWorker(logger)
		notebook = convert.NewWorkerConverter(worker, logger)
	}
	converter := convert.Dispatch{Notebook: notebook, Fallback: convert.Text{}}

	eng, err := engine.New(
		engine.WithLogger(logger),
		engine.WithSettings(cfg),
		engine.WithConverter(converter),
	)
	if err != nil {
		logger.Error("engine.init_failed", "error", err.Error())
		log.Fatalf("engine init failed: %v", err)
	}
	defer eng.Close(context.Background())
	if worker != nil {
		defer worker.Close()
	}

	server := rpc.NewServer(engine.APIVersion, os.Stdin, os.Stdout, logger)
	eng.SetNotifier(server.Notify)

	register := func(method string, fn func(context.Context, json.RawMessage) (any, *errinfo.ErrorInfo)) {
		server.Register(method, func(ctx context.Context, params json.RawMessage) (any, *rpc.Error) {
			result, errInfo := fn(ctx, params)
			if errInfo != nil {
				msg := errInfo.ErrorCode
				if errInfo.Detail != "" {
					msg = errInfo.Detail
				}
				return nil, &rpc.Error{Message: msg, Data: errInfo}
			}
			return result, nil
		})
	}

	register("EngineGetInfo", eng.EngineGetInfo)
	register("DiffOpen", eng.DiffOpen)
	register("DiffUpdate", eng.DiffUpdate)
	register("DiffSaveChanges", eng.DiffSaveChanges)
	register("DiffRevertAndClose", eng.DiffRevertAndClose)
	register("DiffCancel", eng.DiffCancel)
	register("DiffListSessions", eng.DiffListSessions)

	if err := server.Serve(context.Background()); err != nil {
		logger.Error("rpc.server_error", "error", err.Error())
		log.Fatalf("rpc server error: %v", err)
	}
}
