// Copyright 2023 The Armored Witness authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// The rpmbctl tool drives the RPMB protocol against an emulated partition
// persisted to a state file, only useful for development work.
package main

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cheggaaa/pb/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-rpmb/internal/emulator"
	"github.com/transparency-dev/armored-witness-rpmb/key"
	"github.com/transparency-dev/armored-witness-rpmb/rollback"
	"github.com/transparency-dev/armored-witness-rpmb/rpmb"
)

var (
	stateFile     = flag.String("state", "rpmb.state", "File holding the emulated RPMB partition state.")
	numBlocks     = flag.Int("blocks", 128, "Number of half sectors of a newly created partition.")
	keyFile       = flag.String("key_file", "", "File containing the 32 bytes authentication key.")
	secret        = flag.String("secret", "", "Secret used to derive the authentication key, when no key file is given.")
	uid           = flag.String("uid", "", "Hex encoded device unique ID used for key derivation.")
	programKey    = flag.Bool("program_key", false, "Program the authentication key.")
	counter       = flag.Bool("counter", false, "Print the write counter.")
	writeAddr     = flag.Int("write", -1, "Half sector address to write the input file to.")
	readAddr      = flag.Int("read", -1, "Half sector address to read from.")
	count         = flag.Int("count", 1, "Number of half sectors to read.")
	inputFile     = flag.String("input", "", "File to write, padded to a multiple of 256 bytes.")
	outputFile    = flag.String("output", "", "File to store read data to, stdout when empty.")
	versionAddr   = flag.Int("check_version", -1, "Half sector address holding a version epoch to check.")
	version       = flag.String("version", "", "Running version for -check_version.")
	checkResponse = flag.Bool("check_response", true, "Validate response types and write counter increments.")
	dummyBlock    = flag.Int("dummy_block", -1, "Half sector written on open to invalidate uncommitted writes.")
	printMetrics  = flag.Bool("metrics", false, "Print RPMB operation metrics on exit.")
)

// progress tracks multi block writes
var progress *pb.ProgressBar

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	reg := prometheus.NewRegistry()
	if err := rpmb.RegisterMetrics(reg); err != nil {
		klog.Exitf("RegisterMetrics: %v", err)
	}

	dev := loadDeviceOrDie(*stateFile)
	k := keyOrDie()

	cfg := &rpmb.Config{
		CheckResponse: *checkResponse,
		OnBlockWritten: func(uint16) {
			if progress != nil {
				progress.Increment()
			}
		},
	}

	if *dummyBlock >= 0 && dev.Programmed() {
		cfg.WriteDummy = true
		cfg.DummyBlock = addrOrDie(*dummyBlock)
	}

	s, err := rpmb.Open(dev, nil, k, cfg)
	if err != nil {
		klog.Exitf("Failed to open RPMB session: %v", err)
	}

	runErr := run(s)

	if err := s.Close(); err != nil {
		klog.Errorf("Close: %v", err)
	}

	// device state is kept even on failure, partial writes are committed
	if err := saveDevice(*stateFile, dev); err != nil {
		klog.Exitf("Failed to save state to %q: %v", *stateFile, err)
	}

	if *printMetrics {
		dumpMetrics(reg)
	}

	if runErr != nil {
		klog.Exit(runErr)
	}
}

func run(s *rpmb.Session) error {
	switch {
	case *programKey:
		if err := s.ProgramKey(); err != nil {
			return fmt.Errorf("ProgramKey: %w", err)
		}
		klog.Info("Authentication key programmed")
	case *counter:
		n, err := s.Counter()
		if err != nil {
			return fmt.Errorf("Counter: %w", err)
		}
		fmt.Println(n)
	case *writeAddr >= 0:
		return write(s, addrOrDie(*writeAddr))
	case *readAddr >= 0:
		return read(s, addrOrDie(*readAddr))
	case *versionAddr >= 0:
		if err := rollback.New(s).Check(addrOrDie(*versionAddr), *version); err != nil {
			return fmt.Errorf("version check: %w", err)
		}
		klog.Infof("Version %s accepted", *version)
	default:
		flag.PrintDefaults()
		return errors.New("no action specified")
	}

	return nil
}

func write(s *rpmb.Session, addr uint16) error {
	buf, err := os.ReadFile(*inputFile)
	if err != nil {
		return fmt.Errorf("failed to read input %q: %w", *inputFile, err)
	}

	if r := len(buf) % rpmb.DataLength; r != 0 || len(buf) == 0 {
		buf = append(buf, make([]byte, rpmb.DataLength-r)...)
	}

	n := len(buf) / rpmb.DataLength
	progress = pb.StartNew(n)
	defer progress.Finish()

	if err := s.Write(addr, n, buf); err != nil {
		return fmt.Errorf("Write: %w", err)
	}

	klog.Infof("Wrote %d half sectors at %#04x", n, addr)

	return nil
}

func read(s *rpmb.Session, addr uint16) error {
	buf, err := s.Read(addr, *count)
	if err != nil {
		return fmt.Errorf("Read: %w", err)
	}

	if len(*outputFile) == 0 {
		fmt.Print(hex.Dump(buf))
		return nil
	}

	if err := os.WriteFile(*outputFile, buf, 0600); err != nil {
		return fmt.Errorf("WriteFile: %w", err)
	}

	klog.Infof("Wrote %d bytes to %q", len(buf), *outputFile)

	return nil
}

func addrOrDie(a int) uint16 {
	if a < 0 || a > rpmb.MaxBlocks {
		klog.Exitf("Invalid half sector address %d", a)
	}
	return uint16(a)
}

func keyOrDie() []byte {
	if len(*keyFile) > 0 {
		k, err := key.Load(*keyFile)
		if err != nil {
			klog.Exitf("Failed to load key %q: %v", *keyFile, err)
		}
		return k
	}

	if len(*secret) == 0 {
		klog.Exit("One of -key_file or -secret must be set")
	}

	id, err := hex.DecodeString(*uid)
	if err != nil {
		klog.Exitf("Invalid unique ID %q: %v", *uid, err)
	}

	return key.Derive([]byte(*secret), id)
}

func loadDeviceOrDie(p string) *emulator.Device {
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		klog.Infof("Creating new RPMB partition of %d half sectors", *numBlocks)
		return emulator.New(*numBlocks)
	}
	if err != nil {
		klog.Exitf("Failed to open state %q: %v", p, err)
	}
	defer f.Close()

	dev, err := emulator.Load(f)
	if err != nil {
		klog.Exitf("Failed to load state %q: %v", p, err)
	}

	return dev
}

func saveDevice(p string, dev *emulator.Device) error {
	f, err := os.CreateTemp(filepath.Dir(p), ".rpmb-state-*")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())

	if err := dev.Save(f); err != nil {
		f.Close()
		return err
	}

	if err := f.Close(); err != nil {
		return err
	}

	return os.Rename(f.Name(), p)
}

func dumpMetrics(g prometheus.Gatherer) {
	mfs, err := g.Gather()
	if err != nil {
		klog.Errorf("Gather: %v", err)
		return
	}

	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(os.Stderr, mf); err != nil {
			klog.Errorf("MetricFamilyToText: %v", err)
		}
	}
}
