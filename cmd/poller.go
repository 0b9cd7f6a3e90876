/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lordkingpriest/problemsolver/config"
)

// pollerCommands defines the "poller" command. It runs the exchange
// deposit poller and the matching processor in one process; the redis
// lease inside the poller keeps concurrent replicas from double-polling.
func pollerCommands(b *serviceInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "poller",
		Short: "start the deposit poller and processor",
		Run: func(cmd *cobra.Command, args []string) {
			conf, err := config.Fetch()
			if err != nil {
				log.Fatal("Error fetching config:", err)
			}

			poller, err := b.service.DepositPoller(conf)
			if err != nil {
				log.Fatal(err)
			}

			processor := b.service.DepositProcessor(conf)

			poller.Start()
			processor.Start()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			log.Println("shutting down...")
			poller.Stop()
			processor.Stop()
		},
	}

	return cmd
}
