// Package main provides a CLI tool for validating sentinel-siem YAML
// correlation rules and SOAR playbooks.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"sentinel-siem/internal/correlation"
	"sentinel-siem/internal/soar"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "validate":
		runValidateCmd(os.Args[2:])
	case "list":
		runListCmd(os.Args[2:])
	case "-version", "--version", "-v":
		fmt.Printf("siem-rules %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown subcommand: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: siem-rules <command> [flags] [args]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  validate  Validate YAML rule or playbook files or directories\n")
	fmt.Fprintf(os.Stderr, "  list      List rules found in files or directories\n\n")
	fmt.Fprintf(os.Stderr, "Flags:\n")
	fmt.Fprintf(os.Stderr, "  -version  Show version and exit\n")
}

func runValidateCmd(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	verbose := fs.Bool("verbose", false, "Show detailed rule information")
	playbooks := fs.Bool("playbooks", false, "Validate files as SOAR playbooks instead of correlation rules")
	fs.Parse(args)

	paths := fs.Args()
	if len(paths) == 0 {
		fmt.Fprintf(os.Stderr, "Error: at least one path is required\n")
		fmt.Fprintf(os.Stderr, "Usage: siem-rules validate [--playbooks] [--verbose] <path> [<path>...]\n")
		os.Exit(1)
	}

	validate := validateRulesFile
	if *playbooks {
		registry := soar.NewActionRegistry(soar.DefaultActionDefinitions())
		validate = func(path string, verbose bool) bool {
			return validatePlaybooksFile(path, verbose, registry)
		}
	}

	os.Exit(runValidate(paths, *verbose, validate))
}

func runListCmd(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	fs.Parse(args)

	paths := fs.Args()
	if len(paths) == 0 {
		paths = []string{"rules"}
	}

	os.Exit(runList(paths))
}

func runValidate(paths []string, verbose bool, validate func(string, bool) bool) int {
	var totalFiles, validFiles, invalidFiles int

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s: %v\n", path, err)
			invalidFiles++
			continue
		}

		if info.IsDir() {
			files, err := collectYAMLFiles(path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error reading directory %s: %v\n", path, err)
				invalidFiles++
				continue
			}
			for _, f := range files {
				totalFiles++
				if validate(f, verbose) {
					validFiles++
				} else {
					invalidFiles++
				}
			}
		} else {
			totalFiles++
			if validate(path, verbose) {
				validFiles++
			} else {
				invalidFiles++
			}
		}
	}

	fmt.Printf("\nResults: %d files checked, %d valid, %d invalid\n", totalFiles, validFiles, invalidFiles)

	if invalidFiles > 0 {
		return 1
	}
	return 0
}

func validateRulesFile(path string, verbose bool) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Printf("  FAIL  %s: %v\n", path, err)
		return false
	}

	rules, err := correlation.ParseRules(data)
	if err != nil {
		fmt.Printf("  FAIL  %s: %v\n", path, err)
		return false
	}

	fmt.Printf("  OK    %s (%d rule(s))\n", path, len(rules))

	if verbose {
		for _, rule := range rules {
			fmt.Printf("        - [%s] %s (severity=%s, threshold=%d, window=%s)\n",
				rule.ID, rule.Name, rule.Severity, rule.Threshold, rule.Window())
			if len(rule.GroupByFields) > 0 {
				fmt.Printf("          group_by: %s\n", strings.Join(rule.GroupByFields, ", "))
			}
			if rule.MinDistinctSources > 1 {
				fmt.Printf("          min_distinct_sources: %d\n", rule.MinDistinctSources)
			}
		}
	}

	return true
}

func validatePlaybooksFile(path string, verbose bool, registry *soar.ActionRegistry) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Printf("  FAIL  %s: %v\n", path, err)
		return false
	}

	playbooks, err := soar.ParsePlaybooks(data, registry)
	if err != nil {
		fmt.Printf("  FAIL  %s: %v\n", path, err)
		return false
	}

	fmt.Printf("  OK    %s (%d playbook(s))\n", path, len(playbooks))

	if verbose {
		for _, p := range playbooks {
			fmt.Printf("        - [%s] %s (trigger=%s, severity=%s, steps=%d)\n",
				p.ID, p.Name, p.TriggerType, p.TriggerSeverity, len(p.Steps))
			for _, step := range p.Steps {
				approval := ""
				if def, err := registry.Get(step.Action); err == nil && def.RequiresApproval {
					approval = " [approval]"
				}
				fmt.Printf("          %s: %s%s\n", step.ID, step.Action, approval)
			}
		}
	}

	return true
}

func runList(paths []string) int {
	for _, path := range paths {
		files, err := collectYAMLFiles(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", path, err)
			continue
		}

		for _, f := range files {
			data, err := os.ReadFile(f)
			if err != nil {
				continue
			}
			rules, err := correlation.ParseRules(data)
			if err != nil {
				continue
			}
			for _, rule := range rules {
				fmt.Printf("%-40s  sev=%-8s  threshold=%-3d  %s\n",
					rule.ID, rule.Severity, rule.Threshold, rule.Name)
			}
		}
	}
	return 0
}

func collectYAMLFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}
