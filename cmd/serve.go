package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/changegate/changegate/internal/api"
	"github.com/changegate/changegate/internal/project"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long:  "Start an HTTP server exposing the approval, review, and check APIs.\nBy default it listens on port 8080. Use --port to change it.",
	RunE: func(cmd *cobra.Command, args []string) error {
		port := viper.GetInt("port")

		engine, err := getEngine()
		if err != nil {
			return err
		}
		gate, err := getGate()
		if err != nil {
			return err
		}
		runner, err := getRunner()
		if err != nil {
			return err
		}
		layout, err := project.NewLayout(viper.GetString("project.root"))
		if err != nil {
			return err
		}

		srv := api.NewServer(engine, gate, runner, layout, checkSpecs, defaultChecks())

		addr := fmt.Sprintf(":%d", port)
		fmt.Printf("Serving API at http://localhost%s\n", addr)
		return http.ListenAndServe(addr, srv.Router())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntP("port", "p", 8080, "port to listen on")
	_ = viper.BindPFlag("port", serveCmd.Flags().Lookup("port"))
}
