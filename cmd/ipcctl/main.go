/*
 * Licensed to the Apache Software Foundation (ASF) under one or more
 * contributor license agreements.  See the NOTICE file distributed with
 * this work for additional information regarding copyright ownership.
 * The ASF licenses this file to You under the Apache License, Version 2.0
 * (the "License"); you may not use this file except in compliance with
 * the License.  You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */
package main

import (
	"io"
	"os"
	"time"

	"github.com/urfave/cli"

	"mosn.io/ipc/pkg/config"
	"mosn.io/ipc/pkg/log"
	"mosn.io/ipc/pkg/shm"
)

var Version = "0.1.0"

func newApp(out io.Writer) *cli.App {
	app := cli.NewApp()
	app.Name = "ipcctl"
	app.Version = Version
	app.Compiled = time.Now()
	app.Usage = "create, inspect and remove shared memory segments and semaphores"
	app.Writer = out

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "log-level, l",
			Usage:  "log level, debug|info|warn|error",
			EnvVar: "IPC_LOG_LEVEL",
			Value:  "warn",
		}, cli.StringFlag{
			Name:   "log-path",
			Usage:  "log to `FILE`, stderr, stdout or syslog",
			EnvVar: "IPC_LOG_PATH",
			Value:  "stderr",
		}, cli.StringFlag{
			Name:   "shm-dir",
			Usage:  "directory backing POSIX shared memory",
			EnvVar: "IPC_SHM_DIR",
			Value:  shm.Dir,
		}, cli.BoolFlag{
			Name:  "json",
			Usage: "print results as JSON",
		},
	}

	app.Before = func(c *cli.Context) error {
		level, err := config.ParseLogLevel(c.GlobalString("log-level"))
		if err != nil {
			return err
		}
		if err := log.InitDefaultLogger(c.GlobalString("log-path"), level); err != nil {
			return err
		}
		shm.Dir = c.GlobalString("shm-dir")
		return nil
	}

	//commands
	app.Commands = []cli.Command{
		cmdKey,
		cmdShm,
		cmdSem,
		cmdProvision,
		cmdZone,
	}
	return app
}

func main() {
	app := newApp(os.Stdout)
	if err := app.Run(os.Args); err != nil {
		log.StartLogger.Errorf("[ipcctl] %v", err)
		os.Exit(1)
	}
}
