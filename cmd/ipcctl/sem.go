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
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"mosn.io/ipc/pkg/config"
	"mosn.io/ipc/pkg/sync"
	"mosn.io/ipc/pkg/timeval"
	"mosn.io/ipc/pkg/types"
)

var (
	semNameFlag = cli.StringFlag{
		Name:  "name, n",
		Usage: "semaphore `NAME`, such as /jobs",
	}

	cmdSem = cli.Command{
		Name:  "sem",
		Usage: "manage named semaphores",
		Subcommands: []cli.Command{
			{
				Name:  "create",
				Usage: "create a semaphore",
				Flags: []cli.Flag{
					semNameFlag,
					permFlag,
					cli.IntFlag{
						Name:  "value, v",
						Usage: "initial value",
					},
					cli.BoolFlag{
						Name:  "excl",
						Usage: "fail if the semaphore exists",
					},
				},
				Action: semCreate,
			}, {
				Name:   "post",
				Usage:  "increment a semaphore",
				Flags:  []cli.Flag{semNameFlag},
				Action: withSemaphore(func(c *cli.Context, s *sync.Semaphore) error { return s.Post() }),
			}, {
				Name:  "wait",
				Usage: "decrement a semaphore, blocking while it is zero",
				Flags: []cli.Flag{
					semNameFlag,
					cli.DurationFlag{
						Name:  "timeout, t",
						Usage: "give up after this long, 0 waits forever",
					},
				},
				Action: withSemaphore(semWait),
			}, {
				Name:  "trywait",
				Usage: "decrement a semaphore if it is positive",
				Flags: []cli.Flag{semNameFlag},
				Action: withSemaphore(func(c *cli.Context, s *sync.Semaphore) error {
					ok, err := s.TryWait()
					if err != nil {
						return err
					}
					if !ok {
						return errors.New("semaphore is zero")
					}
					return nil
				}),
			}, {
				Name:  "value",
				Usage: "print the value of a semaphore",
				Flags: []cli.Flag{semNameFlag},
				Action: withSemaphore(func(c *cli.Context, s *sync.Semaphore) error {
					v, err := s.Value()
					if err != nil {
						return err
					}
					return emit(c, map[string]interface{}{"name": s.Name(), "value": v}, fmt.Sprint(v))
				}),
			}, {
				Name:  "rm",
				Usage: "remove a semaphore",
				Flags: []cli.Flag{semNameFlag},
				Action: func(c *cli.Context) error {
					return sync.RemoveSemaphore(c.String("name"))
				},
			},
		},
	}
)

func semCreate(c *cli.Context) error {
	perm, err := config.ParsePerm(c.String("perm"))
	if err != nil {
		return err
	}
	flag := os.O_CREATE
	if c.Bool("excl") {
		flag |= os.O_EXCL
	}
	s, err := sync.OpenSemaphore(c.String("name"), flag, perm, c.Int("value"), types.Persistent)
	if err != nil {
		return err
	}
	defer s.Close()
	v, err := s.Value()
	if err != nil {
		return err
	}
	return emit(c, map[string]interface{}{"name": s.Name(), "value": v}, fmt.Sprintf("%s = %d", s.Name(), v))
}

func withSemaphore(f func(*cli.Context, *sync.Semaphore) error) func(*cli.Context) error {
	return func(c *cli.Context) error {
		s, err := sync.OpenSemaphore(c.String("name"), 0, 0, 0, types.Persistent)
		if err != nil {
			return err
		}
		defer s.Close()
		return f(c, s)
	}
}

func semWait(c *cli.Context, s *sync.Semaphore) error {
	timeout := c.Duration("timeout")
	if timeout <= 0 {
		return s.Wait()
	}
	return s.TimedWait(timeval.Deadline(timeout))
}

