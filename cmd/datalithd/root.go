// Copyright 2024 The Datalith Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"github.com/spf13/cobra"
)

var (
	flagAddress                      string
	flagEnvironment                  string
	flagMaxFileSize                  int64
	flagTemporaryFileLifespanSeconds int
	flagMaxImageResolution           int64
	flagMaxImageResolutionMultiplier int
	flagConfigPath                   string
	flagVerbose                      bool
)

var rootCmd = &cobra.Command{
	Use:   "datalithd",
	Short: "Datalith content-addressed file storage service",
	Long: "Datalith is a content-addressed file storage engine that couples\n" +
		"an embedded SQLite metadata store with a flat blob directory.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagAddress, "address", "", "address the HTTP service binds (host:port)")
	rootCmd.PersistentFlags().StringVar(&flagEnvironment, "environment", "", "root directory of the Datalith environment")
	rootCmd.PersistentFlags().Int64Var(&flagMaxFileSize, "max-file-size", 0, "maximum accepted upload size in bytes")
	rootCmd.PersistentFlags().IntVar(&flagTemporaryFileLifespanSeconds, "temporary-file-lifespan", 0, "lifespan of temporary files in seconds")
	rootCmd.PersistentFlags().Int64Var(&flagMaxImageResolution, "max-image-resolution", 0, "maximum accepted image resolution in pixels")
	rootCmd.PersistentFlags().IntVar(&flagMaxImageResolutionMultiplier, "max-image-resolution-multiplier", 0, "maximum thumbnail resolution multiplier")
	rootCmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "path to an HCL configuration file")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}
