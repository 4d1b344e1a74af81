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
	"strconv"
	"text/tabwriter"

	"github.com/c2h5oh/datasize"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"mosn.io/ipc/pkg/config"
	"mosn.io/ipc/pkg/log"
	"mosn.io/ipc/pkg/shm"
	"mosn.io/ipc/pkg/types"
	"mosn.io/ipc/pkg/view"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	segmentFlags = []cli.Flag{
		cli.StringFlag{
			Name:  "name, n",
			Usage: "POSIX object `NAME`, such as /frames",
		}, cli.StringFlag{
			Name:  "key, k",
			Usage: "System V `KEY`, decimal or 0x hexadecimal",
		}, cli.StringFlag{
			Name:  "path",
			Usage: "derive the System V key from `FILE` with ftok",
		}, cli.IntFlag{
			Name:  "project",
			Usage: "ftok project id",
			Value: 1,
		}, cli.IntFlag{
			Name:  "id",
			Usage: "System V segment identifier",
			Value: -1,
		},
	}

	permFlag = cli.StringFlag{
		Name:  "perm, m",
		Usage: "octal permission bits",
		Value: "0600",
	}

	cmdKey = cli.Command{
		Name:      "key",
		Usage:     "derive a System V key from a file and a project id",
		ArgsUsage: "FILE [PROJECT]",
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return errors.New("missing FILE")
			}
			project := 1
			if c.NArg() > 1 {
				p, err := strconv.Atoi(c.Args().Get(1))
				if err != nil {
					return errors.Wrap(err, "project")
				}
				project = p
			}
			key, err := shm.Ftok(c.Args().First(), project)
			if err != nil {
				return err
			}
			return emit(c, map[string]interface{}{"key": int32(key)}, fmt.Sprintf("%#x", uint32(key)))
		},
	}

	cmdShm = cli.Command{
		Name:  "shm",
		Usage: "manage shared memory segments",
		Subcommands: []cli.Command{
			{
				Name:  "create",
				Usage: "create a segment",
				Flags: append([]cli.Flag{
					cli.StringFlag{
						Name:  "size, s",
						Usage: "segment size, such as 4096 or 64KB",
						Value: "4KB",
					},
					permFlag,
					cli.BoolFlag{
						Name:  "volatile",
						Usage: "remove the segment once nothing is attached",
					},
				}, segmentFlags...),
				Action: shmCreate,
			}, {
				Name:   "open",
				Usage:  "attach a segment and show its size and view header",
				Flags:  segmentFlags,
				Action: shmOpen,
			}, {
				Name:   "info",
				Usage:  "show the kernel metadata of a segment",
				Flags:  segmentFlags,
				Action: shmInfo,
			}, {
				Name:   "chmod",
				Usage:  "change the permission bits of a segment",
				Flags:  append([]cli.Flag{permFlag}, segmentFlags...),
				Action: shmChmod,
			}, {
				Name:   "rm",
				Usage:  "remove a segment",
				Flags:  segmentFlags,
				Action: shmRemove,
			},
		},
	}
)

func emit(c *cli.Context, v interface{}, text string) error {
	if c.GlobalBool("json") {
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(c.App.Writer, string(b))
		return err
	}
	_, err := fmt.Fprintln(c.App.Writer, text)
	return err
}

// segmentRef is how the flags of a command designate a segment.
type segmentRef struct {
	name string
	key  shm.Key
	id   int
}

func parseSegmentRef(c *cli.Context) (*segmentRef, error) {
	ref := &segmentRef{name: c.String("name"), id: c.Int("id")}
	set := 0
	if ref.name != "" {
		set++
	}
	if ref.id >= 0 {
		set++
	}
	if s := c.String("key"); s != "" {
		k, err := strconv.ParseInt(s, 0, 64)
		if err != nil || k < -1<<31 || k > 1<<32-1 {
			return nil, errors.Wrapf(types.ErrInvalidValue, "key %q", s)
		}
		ref.key = shm.Key(int32(uint32(k)))
		set++
	}
	if path := c.String("path"); path != "" {
		k, err := shm.Ftok(path, c.Int("project"))
		if err != nil {
			return nil, err
		}
		ref.key = k
		set++
	}
	if set != 1 {
		return nil, errors.New("exactly one of --name, --key, --path and --id is required")
	}
	return ref, nil
}

func (r *segmentRef) open(readOnly bool) (*shm.Segment, error) {
	switch {
	case r.name != "":
		return shm.OpenPosix(r.name, readOnly)
	case r.id >= 0:
		return shm.AttachSysV(r.id, readOnly)
	default:
		return shm.OpenSysV(r.key, readOnly)
	}
}

func parseSize(s string) (int, error) {
	var size datasize.ByteSize
	if err := size.UnmarshalText([]byte(s)); err != nil {
		return 0, errors.Wrapf(types.ErrInvalidSize, "size %q", s)
	}
	if size.Bytes() > uint64(int(^uint(0)>>1)) {
		return 0, errors.Wrapf(types.ErrInvalidSize, "size %q", s)
	}
	return int(size.Bytes()), nil
}

func shmCreate(c *cli.Context) error {
	ref, err := parseSegmentRef(c)
	if err != nil {
		return err
	}
	if ref.id >= 0 {
		return errors.New("--id designates an existing segment")
	}
	size, err := parseSize(c.String("size"))
	if err != nil {
		return err
	}
	perm, err := config.ParsePerm(c.String("perm"))
	if err != nil {
		return err
	}
	lifetime := config.Lifetime(c.Bool("volatile"))
	if lifetime == types.Volatile {
		log.DefaultLogger.Warnf("[ipcctl] a volatile segment is gone once ipcctl exits")
	}

	var seg *shm.Segment
	if ref.name != "" {
		seg, err = shm.CreatePosix(ref.name, size, perm, lifetime)
	} else {
		seg, err = shm.CreateSysV(ref.key, size, perm, lifetime)
	}
	if err != nil {
		return err
	}
	defer seg.Detach()
	return emit(c, map[string]interface{}{"name": seg.Name(), "key": seg.Key(), "id": seg.ID(), "size": seg.Len()}, seg.String())
}

func shmOpen(c *cli.Context) error {
	ref, err := parseSegmentRef(c)
	if err != nil {
		return err
	}
	seg, err := ref.open(true)
	if err != nil {
		return err
	}
	defer seg.Detach()

	result := map[string]interface{}{"segment": seg.String(), "size": seg.Len()}
	text := fmt.Sprintf("%s: %d bytes", seg, seg.Len())
	if h, err := view.ReadHeader(seg); err == nil {
		result["view"] = h
		text += fmt.Sprintf(", view of %v %v at offset %d", h.Dims, h.Elem, h.DataOffset)
	}
	return emit(c, result, text)
}

func shmInfo(c *cli.Context) error {
	ref, err := parseSegmentRef(c)
	if err != nil {
		return err
	}
	var info *shm.Info
	switch {
	case ref.name != "":
		info, err = shm.QueryPosix(ref.name)
	case ref.id >= 0:
		info, err = shm.QuerySysV(ref.id)
	default:
		seg, oerr := shm.OpenSysV(ref.key, true)
		if oerr != nil {
			return oerr
		}
		info, err = seg.Info()
		seg.Detach()
	}
	if err != nil {
		return err
	}
	if c.GlobalBool("json") {
		return emit(c, info, "")
	}
	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "kind\t%v\n", info.Kind)
	if info.Name != "" {
		fmt.Fprintf(w, "name\t%s\n", info.Name)
	} else {
		fmt.Fprintf(w, "key\t%#x\nid\t%d\n", uint32(info.Key), info.ID)
	}
	fmt.Fprintf(w, "size\t%d\nmode\t%v\nowner\t%d:%d\ncreator\t%d:%d\n", info.Size, info.Mode, info.UID, info.GID, info.CUID, info.CGID)
	if info.NAttach >= 0 {
		fmt.Fprintf(w, "attached\t%d\ncreator pid\t%d\nlast pid\t%d\n", info.NAttach, info.CPID, info.LPID)
	}
	fmt.Fprintf(w, "accessed\t%v\nchanged\t%v\n", info.ATime, info.CTime)
	return w.Flush()
}

func shmChmod(c *cli.Context) error {
	ref, err := parseSegmentRef(c)
	if err != nil {
		return err
	}
	perm, err := config.ParsePerm(c.String("perm"))
	if err != nil {
		return err
	}
	switch {
	case ref.name != "":
		return shm.ConfigurePosix(ref.name, perm)
	case ref.id >= 0:
		return shm.ConfigureSysV(ref.id, perm)
	default:
		seg, err := shm.OpenSysV(ref.key, true)
		if err != nil {
			return err
		}
		defer seg.Detach()
		return seg.Configure(perm)
	}
}

func shmRemove(c *cli.Context) error {
	ref, err := parseSegmentRef(c)
	if err != nil {
		return err
	}
	switch {
	case ref.name != "":
		err = shm.RemovePosix(ref.name)
	case ref.id >= 0:
		err = shm.RemoveSysV(ref.id)
	default:
		err = shm.RemoveSysVKey(ref.key)
	}
	if err == nil {
		log.DefaultLogger.Infof("[ipcctl] removed segment")
	}
	return err
}

