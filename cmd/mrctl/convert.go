package main

import (
	"encoding/csv"
	"fmt"
	"os"
	"strings"
)

// policyRule mirrors the server's rule tuple.
type policyRule struct {
	Subject   string `json:"subject"`
	Domain    string `json:"domain"`
	Object    string `json:"object"`
	Action    string `json:"action"`
	Condition string `json:"condition"`
	Effect    string `json:"effect"`
}

var matrixActions = []string{"C", "R", "U", "D"}

// convertRolesCSV turns a roles permission matrix into policy tuples. The
// matrix has a Tables column and one column per role; a cell holds a
// permission code such as "CRUD" or "ROUO". An action letter followed by "O"
// requires ownership, followed by "*" requires relationship. Generated rules
// live in the public domain so they apply to every tenant.
func convertRolesCSV(path string) ([]policyRule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("%s: no data rows", path)
	}

	// The matrix layout is fixed: three leading metadata columns with Tables
	// among them, then one column per role.
	const roleStart = 3

	header := records[0]
	if len(header) <= roleStart {
		return nil, fmt.Errorf("%s: no role columns", path)
	}
	tableCol := -1
	for i, col := range header[:roleStart] {
		if strings.EqualFold(strings.TrimSpace(col), "tables") {
			tableCol = i
			break
		}
	}
	if tableCol < 0 {
		return nil, fmt.Errorf("%s: no Tables column among the first %d columns", path, roleStart)
	}

	roles := make([]string, 0, len(header)-roleStart)
	for _, col := range header[roleStart:] {
		roles = append(roles, strings.TrimSpace(col))
	}

	var rules []policyRule
	for _, row := range records[1:] {
		if len(row) <= tableCol {
			continue
		}
		table := strings.TrimSpace(row[tableCol])
		if table == "" {
			continue
		}
		for i, role := range roles {
			col := roleStart + i
			if col >= len(row) {
				continue
			}
			code := strings.TrimSpace(row[col])
			rules = append(rules, codeToRules(role, table, code)...)
		}
	}
	return rules, nil
}

func codeToRules(role, table, code string) []policyRule {
	var rules []policyRule
	for _, action := range matrixActions {
		if !strings.Contains(code, action) {
			continue
		}
		condition := "none"
		if strings.Contains(code, action+"O") {
			condition = "check_ownership"
		} else if strings.Contains(code, action+"*") {
			condition = "check_relationship"
		}
		rules = append(rules, policyRule{
			Subject:   role,
			Domain:    "0",
			Object:    table,
			Action:    action,
			Condition: condition,
			Effect:    "allow",
		})
	}
	return rules
}
