/*
 * Copyright 2021. Go-RWSplit Author All Rights Reserved.
 *
 *  Licensed under the Apache License, Version 2.0 (the "License");
 *  you may not use this file except in compliance with the License.
 *  You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 *  Unless required by applicable law or agreed to in writing, software
 *  distributed under the License is distributed on an "AS IS" BASIS,
 *  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *  See the License for the specific language governing permissions and
 *  limitations under the License.
 *
 *  File author: Anders Xiao
 */

package rwsplit

import (
	"regexp"
	"strings"
	"sync"

	"github.com/endink/go-rwsplit/logging"
	"github.com/endink/go-rwsplit/mysql"
	parser "github.com/pingcap/parser"
	"github.com/pingcap/parser/ast"
	_ "github.com/pingcap/tidb/types/parser_driver"
	"github.com/scylladb/go-set/strset"
)

// RouteTarget is the bitmask of candidate destinations for one statement.
type RouteTarget uint32

const (
	TargetUndefined RouteTarget = 0x00
	TargetMaster    RouteTarget = 0x01
	TargetSlave     RouteTarget = 0x02
	TargetAll       RouteTarget = 0x08
)

func (t RouteTarget) IsMaster() bool { return t&TargetMaster != 0 }
func (t RouteTarget) IsSlave() bool  { return t&TargetSlave != 0 }
func (t RouteTarget) IsAll() bool    { return t&TargetAll != 0 }

// Classification is the routing-relevant summary of one client packet.
type Classification struct {
	Command byte
	Target  RouteTarget

	SessionModifying bool
	ReadOnly         bool
	MultiStmt        bool
	NeedsBroadcast   bool

	StartsLoadData    bool
	StartsTransaction bool
	EndsTransaction   bool

	TouchesTempTable bool
	CreatedTempTable string
	DroppedTables    []string

	ReadsUserVar    bool
	ModifiesUserVar bool

	// InitDB carries the schema name of a USE statement or COM_INIT_DB.
	InitDB string
}

// ClassifyContext is the slice of session state classification depends on.
type ClassifyContext struct {
	DefaultDB  string
	TempTables *strset.Set
}

var createTempTableRe = regexp.MustCompile(`(?is)^\s*CREATE\s+TEMPORARY\s+TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?` + "`?" + `([^\s(` + "`" + `]+)` + "`?")
var dropTempTableRe = regexp.MustCompile(`(?is)^\s*DROP\s+TEMPORARY\s+TABLE\s+(?:IF\s+EXISTS\s+)?` + "`?" + `([^\s;` + "`" + `]+)` + "`?")

// Classifier turns client packets into classifications. It is stateless
// apart from the parser pool and shared between sessions of one service.
type Classifier struct {
	useSQLVariablesIn UseSQLVariablesIn
	parsers           sync.Pool
	log               *logging.ThrottledLogger
}

// NewClassifier creates a classifier for the given variable routing mode.
func NewClassifier(useSQLVariablesIn UseSQLVariablesIn) *Classifier {
	return &Classifier{
		useSQLVariablesIn: useSQLVariablesIn,
		log:               logging.NewThrottledLogger("classifier", logging.GetLogger("rwsplit"), logThrottleInterval),
	}
}

func (c *Classifier) parseSQL(sql string) ([]ast.StmtNode, error) {
	var p *parser.Parser
	if i := c.parsers.Get(); i != nil {
		p = i.(*parser.Parser)
	} else {
		p = parser.New()
	}
	defer c.parsers.Put(p)
	stmts, _, err := p.Parse(sql, "", "")
	return stmts, err
}

// Classify inspects one framed client packet.
//
// ErrSessionModifyingSelect is returned for the one rejected query shape:
// a SELECT that assigns to a user variable while use_sql_variables_in=all.
func (c *Classifier) Classify(pkt []byte, ctx *ClassifyContext) (*Classification, error) {
	cls := &Classification{Command: mysql.Command(pkt)}

	switch cls.Command {
	case mysql.ComQuery:
		if err := c.classifyQuery(string(mysql.Payload(pkt)[1:]), ctx, cls); err != nil {
			return cls, err
		}
	case mysql.ComInitDB:
		cls.SessionModifying = true
		cls.NeedsBroadcast = true
		cls.Target = TargetAll
		cls.InitDB = string(mysql.Payload(pkt)[1:])
	case mysql.ComChangeUser, mysql.ComResetConnection,
		mysql.ComStmtPrepare, mysql.ComStmtClose, mysql.ComStmtReset,
		mysql.ComSetOption:
		cls.SessionModifying = true
		cls.NeedsBroadcast = true
		cls.Target = TargetAll
	case mysql.ComStmtExecute, mysql.ComStmtSendLongData, mysql.ComStmtFetch:
		cls.Target = TargetMaster
	case mysql.ComFieldList, mysql.ComStatistics, mysql.ComProcessKill, mysql.ComPing:
		cls.Target = TargetMaster
	default:
		cls.Target = TargetMaster
	}
	return cls, nil
}

func (c *Classifier) classifyQuery(sql string, ctx *ClassifyContext, cls *Classification) error {
	// CREATE/DROP TEMPORARY TABLE are matched textually: the statements
	// must reach the master and the affected name must enter or leave the
	// temp table set even when the parser dialect rejects them.
	if m := createTempTableRe.FindStringSubmatch(sql); m != nil {
		cls.Target = TargetMaster
		cls.TouchesTempTable = true
		cls.CreatedTempTable = qualifyName(m[1], ctx.DefaultDB)
		return nil
	}
	if m := dropTempTableRe.FindStringSubmatch(sql); m != nil {
		cls.Target = TargetMaster
		cls.TouchesTempTable = true
		cls.DroppedTables = []string{qualifyName(m[1], ctx.DefaultDB)}
		return nil
	}

	stmts, err := c.parseSQL(sql)
	if err != nil {
		// An unparseable statement is routed to the master: that is always
		// semantically safe, even if it wastes master capacity.
		c.log.Infof("routing unparseable statement to master: %v", err)
		cls.Target = TargetMaster
		if idx := strings.IndexByte(strings.TrimRight(sql, "; \t\r\n"), ';'); idx >= 0 {
			cls.MultiStmt = true
		}
		return nil
	}

	if len(stmts) > 1 {
		cls.MultiStmt = true
		cls.Target = TargetMaster
	}

	for _, stmt := range stmts {
		if err := c.classifyStmt(stmt, ctx, cls); err != nil {
			return err
		}
	}
	if cls.MultiStmt {
		// Multi-statement payloads stream multiple replies; only the
		// master handles them.
		cls.Target = TargetMaster
	}
	return nil
}

func (c *Classifier) classifyStmt(stmt ast.StmtNode, ctx *ClassifyContext, cls *Classification) error {
	switch node := stmt.(type) {
	case *ast.SelectStmt, *ast.UnionStmt:
		return c.classifySelect(stmt, ctx, cls)
	case *ast.SetStmt:
		cls.SessionModifying = true
		cls.NeedsBroadcast = true
		cls.Target |= TargetAll
		for _, v := range node.Variables {
			if v.IsSystem && strings.EqualFold(v.Name, "autocommit") {
				if on, known := boolValue(v.Value); known {
					if on {
						cls.EndsTransaction = true
					} else {
						cls.StartsTransaction = true
					}
				}
			}
		}
	case *ast.UseStmt:
		cls.SessionModifying = true
		cls.NeedsBroadcast = true
		cls.Target |= TargetAll
		cls.InitDB = node.DBName
	case *ast.BeginStmt:
		cls.StartsTransaction = true
		cls.Target |= TargetMaster
	case *ast.CommitStmt, *ast.RollbackStmt:
		cls.EndsTransaction = true
		cls.Target |= TargetMaster
	case *ast.PrepareStmt, *ast.DeallocateStmt:
		cls.SessionModifying = true
		cls.NeedsBroadcast = true
		cls.Target |= TargetAll
	case *ast.ExecuteStmt:
		cls.Target |= TargetMaster
	case *ast.LoadDataStmt:
		cls.Target |= TargetMaster
		if node.IsLocal {
			cls.StartsLoadData = true
		}
	case *ast.InsertStmt, *ast.UpdateStmt, *ast.DeleteStmt:
		cls.Target |= TargetMaster
		c.collectTempTableUse(stmt, ctx, cls)
	case *ast.DropTableStmt:
		cls.Target |= TargetMaster
		for _, tbl := range node.Tables {
			cls.DroppedTables = append(cls.DroppedTables, qualifyTable(tbl, ctx.DefaultDB))
		}
	case *ast.ShowStmt, *ast.ExplainStmt:
		cls.ReadOnly = true
		cls.Target |= TargetSlave
	default:
		// DDL, FLUSH, KILL, admin statements: the master is always safe.
		cls.Target |= TargetMaster
	}
	return nil
}

func (c *Classifier) classifySelect(stmt ast.StmtNode, ctx *ClassifyContext, cls *Classification) error {
	vars := &varUsageVisitor{}
	stmt.Accept(vars)
	if vars.modifiesUserVar {
		cls.ModifiesUserVar = true
		if c.useSQLVariablesIn == VariablesInAll {
			// The assignment would have to run on every backend, but a
			// SELECT produces a result set that cannot be broadcast.
			c.log.Warnf("The query can't be routed to all backend servers " +
				"because it includes SELECT and SQL variable modifications which is not supported")
			return ErrSessionModifyingSelect
		}
	}
	cls.ReadsUserVar = vars.readsUserVar

	if sel, ok := stmt.(*ast.SelectStmt); ok && sel.LockTp != ast.SelectLockNone {
		// SELECT ... FOR UPDATE / LOCK IN SHARE MODE takes locks and
		// belongs on the master.
		cls.Target |= TargetMaster
		return nil
	}

	c.collectTempTableUse(stmt, ctx, cls)
	if cls.TouchesTempTable {
		cls.Target |= TargetMaster
		return nil
	}

	if cls.ModifiesUserVar {
		cls.Target |= TargetMaster
		return nil
	}
	if cls.ReadsUserVar && c.useSQLVariablesIn == VariablesInMaster {
		cls.Target |= TargetMaster
		return nil
	}

	cls.ReadOnly = true
	cls.Target |= TargetSlave
	return nil
}

func (c *Classifier) collectTempTableUse(stmt ast.StmtNode, ctx *ClassifyContext, cls *Classification) {
	if ctx.TempTables == nil || ctx.TempTables.Size() == 0 {
		return
	}
	tables := &tableNameVisitor{}
	stmt.Accept(tables)
	for _, name := range tables.names {
		if ctx.TempTables.Has(qualifyName(name, ctx.DefaultDB)) {
			cls.TouchesTempTable = true
			return
		}
	}
}

// varUsageVisitor finds user variable reads and assignments.
type varUsageVisitor struct {
	readsUserVar    bool
	modifiesUserVar bool
}

func (v *varUsageVisitor) Enter(n ast.Node) (ast.Node, bool) {
	if expr, ok := n.(*ast.VariableExpr); ok && !expr.IsSystem {
		if expr.Value != nil {
			v.modifiesUserVar = true
		} else {
			v.readsUserVar = true
		}
	}
	return n, false
}

func (v *varUsageVisitor) Leave(n ast.Node) (ast.Node, bool) { return n, true }

// tableNameVisitor collects referenced table names, schema-qualified when
// the statement qualifies them.
type tableNameVisitor struct {
	names []string
}

func (v *tableNameVisitor) Enter(n ast.Node) (ast.Node, bool) {
	if tbl, ok := n.(*ast.TableName); ok {
		name := tbl.Name.L
		if tbl.Schema.L != "" {
			name = tbl.Schema.L + "." + tbl.Name.L
		}
		v.names = append(v.names, name)
	}
	return n, false
}

func (v *tableNameVisitor) Leave(n ast.Node) (ast.Node, bool) { return n, true }

func qualifyTable(tbl *ast.TableName, defaultDB string) string {
	if tbl.Schema.L != "" {
		return tbl.Schema.L + "." + tbl.Name.L
	}
	return qualifyName(tbl.Name.L, defaultDB)
}

// qualifyName prefixes an unqualified table name with the default schema.
func qualifyName(name string, defaultDB string) string {
	name = strings.ToLower(strings.Trim(name, "`"))
	if strings.Contains(name, ".") {
		return name
	}
	return strings.ToLower(defaultDB) + "." + name
}

func boolValue(expr ast.ExprNode) (value bool, known bool) {
	ve, ok := expr.(ast.ValueExpr)
	if !ok {
		return false, false
	}
	switch val := ve.GetValue().(type) {
	case int64:
		return val != 0, true
	case uint64:
		return val != 0, true
	case string:
		switch strings.ToUpper(val) {
		case "ON", "1", "TRUE":
			return true, true
		case "OFF", "0", "FALSE":
			return false, true
		}
	}
	return false, false
}
