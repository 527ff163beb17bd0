package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"text/template"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/playbook-orchestrator/internal/config"
)

const (
	serviceName     = "playbook-orch"
	systemdUnitPath = "/etc/systemd/system/playbook-orch.service"
)

// systemd unit template
const systemdUnitTemplate = `[Unit]
Description=Playbook Orchestrator
Documentation=https://github.com/hochfrequenz/playbook-orchestrator
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{.ExecStart}}
Restart=always
RestartSec=10
{{if .User}}User={{.User}}
{{end}}{{if .Group}}Group={{.Group}}
{{end}}
# Jobs may need up to the shutdown grace period to finish
TimeoutStopSec=45
KillMode=mixed

# Security hardening
NoNewPrivileges=true
PrivateTmp=true
ReadWritePaths={{.ProjectsRoot}} {{.StateDir}}

StandardOutput=journal
StandardError=journal
SyslogIdentifier=playbook-orch

[Install]
WantedBy=multi-user.target
`

type unitConfig struct {
	ExecStart    string
	User         string
	Group        string
	ProjectsRoot string
	StateDir     string
}

var (
	serviceUser  string
	serviceGroup string
)

func newServiceCmd() *cobra.Command {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the playbook-orch systemd service",
		Long:  "Install, start, stop, and manage 'playbook-orch serve' as a systemd service.",
	}

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install playbook-orch as a systemd service",
		Long: `Creates a systemd unit file running 'playbook-orch serve' and enables it.

Requires root privileges.`,
		RunE: runServiceInstall,
	}
	installCmd.Flags().StringVar(&serviceUser, "user", "", "User to run the service as")
	installCmd.Flags().StringVar(&serviceGroup, "group", "", "Group to run the service as")

	uninstallCmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the playbook-orch systemd service",
		RunE:  runServiceUninstall,
	}

	unitCmd := &cobra.Command{
		Use:   "unit",
		Short: "Print the systemd unit without installing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			unit, err := buildUnit()
			if err != nil {
				return err
			}
			fmt.Print(unit)
			return nil
		},
	}
	unitCmd.Flags().StringVar(&serviceUser, "user", "", "User to run the service as")
	unitCmd.Flags().StringVar(&serviceGroup, "group", "", "Group to run the service as")

	for _, action := range []string{"start", "stop", "restart"} {
		serviceCmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: strings.ToUpper(action[:1]) + action[1:] + " the playbook-orch service",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServiceAction(action)
			},
		})
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show playbook-orch service status",
		RunE:  runServiceStatus,
	}

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Show playbook-orch service logs",
		RunE:  runServiceLogs,
	}
	logsCmd.Flags().BoolP("follow", "f", false, "Follow log output")
	logsCmd.Flags().IntP("lines", "n", 50, "Number of lines to show")

	serviceCmd.AddCommand(installCmd, uninstallCmd, unitCmd, statusCmd, logsCmd)
	return serviceCmd
}

// buildUnit renders the unit file for the current binary and config
func buildUnit() (string, error) {
	execPath, err := findBinary()
	if err != nil {
		return "", err
	}

	cfgPath := configPath
	if cfgPath == "" {
		cfgPath = config.DefaultConfigPath()
	}
	cfgPath, err = filepath.Abs(cfgPath)
	if err != nil {
		return "", err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return "", err
	}

	execStart := execPath + " serve"
	if _, err := os.Stat(cfgPath); err == nil {
		execStart = fmt.Sprintf("%s --config %s serve", execPath, cfgPath)
	}

	return renderUnit(unitConfig{
		ExecStart:    execStart,
		User:         serviceUser,
		Group:        serviceGroup,
		ProjectsRoot: cfg.General.ProjectsRoot,
		StateDir:     filepath.Dir(cfg.General.HistoryPath),
	})
}

func renderUnit(cfg unitConfig) (string, error) {
	tmpl, err := template.New("unit").Parse(systemdUnitTemplate)
	if err != nil {
		return "", fmt.Errorf("parsing unit template: %w", err)
	}

	var unitContent strings.Builder
	if err := tmpl.Execute(&unitContent, cfg); err != nil {
		return "", fmt.Errorf("executing unit template: %w", err)
	}
	return unitContent.String(), nil
}

func requireLinux() error {
	if runtime.GOOS != "linux" {
		return fmt.Errorf("systemd service management is only supported on Linux")
	}
	return nil
}

func runServiceInstall(cmd *cobra.Command, args []string) error {
	if err := requireLinux(); err != nil {
		return err
	}
	if !isRoot() {
		return fmt.Errorf("root privileges required to install service. Try: sudo %s service install", os.Args[0])
	}

	unit, err := buildUnit()
	if err != nil {
		return err
	}

	if err := os.WriteFile(systemdUnitPath, []byte(unit), 0644); err != nil {
		return fmt.Errorf("writing unit file: %w", err)
	}
	fmt.Printf("Created systemd unit: %s\n", systemdUnitPath)

	if err := runCmd("systemctl", "daemon-reload"); err != nil {
		return fmt.Errorf("reloading systemd: %w", err)
	}
	if err := runCmd("systemctl", "enable", serviceName); err != nil {
		return fmt.Errorf("enabling service: %w", err)
	}

	fmt.Printf("\nService installed and enabled.\n")
	fmt.Printf("  Start:  %s service start\n", serviceName)
	fmt.Printf("  Status: %s service status\n", serviceName)
	fmt.Printf("  Logs:   %s service logs -f\n", serviceName)
	return nil
}

func runServiceUninstall(cmd *cobra.Command, args []string) error {
	if err := requireLinux(); err != nil {
		return err
	}
	if !isRoot() {
		return fmt.Errorf("root privileges required. Try: sudo %s service uninstall", os.Args[0])
	}

	_ = runCmd("systemctl", "stop", serviceName)
	_ = runCmd("systemctl", "disable", serviceName)

	if err := os.Remove(systemdUnitPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing unit file: %w", err)
	}
	if err := runCmd("systemctl", "daemon-reload"); err != nil {
		return fmt.Errorf("reloading systemd: %w", err)
	}

	fmt.Printf("Service uninstalled. History and config files were not removed.\n")
	return nil
}

func runServiceAction(action string) error {
	if err := requireLinux(); err != nil {
		return err
	}
	if !serviceInstalled() {
		return fmt.Errorf("service not installed. Run: %s service install", serviceName)
	}

	if !isRoot() {
		return runCmdInteractive("sudo", "systemctl", action, serviceName)
	}
	if err := runCmd("systemctl", action, serviceName); err != nil {
		return fmt.Errorf("%s service: %w", action, err)
	}
	fmt.Printf("Service %s done.\n", action)
	return nil
}

func runServiceStatus(cmd *cobra.Command, args []string) error {
	if err := requireLinux(); err != nil {
		return err
	}
	if !serviceInstalled() {
		fmt.Printf("Service not installed.\n")
		fmt.Printf("Install with: %s service install\n", serviceName)
		return nil
	}
	return runCmdInteractive("systemctl", "status", serviceName, "--no-pager")
}

func runServiceLogs(cmd *cobra.Command, args []string) error {
	if err := requireLinux(); err != nil {
		return err
	}

	follow, _ := cmd.Flags().GetBool("follow")
	lines, _ := cmd.Flags().GetInt("lines")

	jArgs := []string{"-u", serviceName, "-n", fmt.Sprintf("%d", lines), "--no-pager"}
	if follow {
		jArgs = append(jArgs, "-f")
	}
	return runCmdInteractive("journalctl", jArgs...)
}

func isRoot() bool {
	return os.Geteuid() == 0
}

func serviceInstalled() bool {
	_, err := os.Stat(systemdUnitPath)
	return err == nil
}

func findBinary() (string, error) {
	execPath, err := os.Executable()
	if err == nil {
		execPath, err = filepath.EvalSymlinks(execPath)
		if err == nil {
			return execPath, nil
		}
	}

	path, err := exec.LookPath(serviceName)
	if err == nil {
		return filepath.Abs(path)
	}
	return "", fmt.Errorf("could not find %s binary. Ensure it's installed in PATH", serviceName)
}

func runCmd(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func runCmdInteractive(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
