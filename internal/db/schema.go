package db

import "fmt"

// 触发器是日志不变式的最后一道防线：服务层在同一事务里先校验再写，
// 触发器保证绕过服务层的写入同样被拒绝。错误消息即 apperr 错误码。
//
// 迁移前先删除全部触发器和视图、建表后再创建，表结构变化时不会被引用旧表的触发器卡住。

var triggerNames = []string{
	"logs_check_insert",
	"logs_check_update",
	"logs_check_delete",
	"log_values_check_insert",
	"log_values_check_update",
	"log_values_check_delete",
	"runs_check_status",
	"runs_check_name",
}

var sqliteStatements = []string{
	`CREATE TRIGGER logs_check_insert
BEFORE INSERT ON logs
BEGIN
	SELECT RAISE(ABORT, 'INVALID_LOG_NUMBER')
	WHERE NEW.number < (SELECT start_number FROM log_sequences WHERE id = NEW.sequence_id);
	SELECT RAISE(ABORT, 'RUN_NOT_RUNNING')
	WHERE NOT EXISTS (
		SELECT 1 FROM runs JOIN log_sequences ON log_sequences.run_id = runs.id
		WHERE log_sequences.id = NEW.sequence_id AND runs.status = 'running'
	);
END`,
	`CREATE TRIGGER logs_check_update
BEFORE UPDATE ON logs
WHEN OLD.canceled_by IS NOT NULL
	OR (OLD.log_type IS NOT NULL AND (
		NEW.log_type IS NOT OLD.log_type
		OR NEW.number IS NOT OLD.number
		OR NEW.sequence_id IS NOT OLD.sequence_id
	))
BEGIN
	SELECT RAISE(ABORT, 'LOG_IMMUTABLE');
END`,
	`CREATE TRIGGER logs_check_delete
BEFORE DELETE ON logs
WHEN OLD.log_type IS NOT NULL OR OLD.canceled_by IS NOT NULL
BEGIN
	SELECT RAISE(ABORT, 'LOG_IMMUTABLE');
END`,
	// 值只能在日志获得 type 之前写入
	`CREATE TRIGGER log_values_check_insert
BEFORE INSERT ON log_values
WHEN EXISTS (
	SELECT 1 FROM logs WHERE id = NEW.log_id AND (log_type IS NOT NULL OR canceled_by IS NOT NULL)
)
BEGIN
	SELECT RAISE(ABORT, 'LOG_IMMUTABLE');
END`,
	`CREATE TRIGGER log_values_check_update
BEFORE UPDATE ON log_values
WHEN (SELECT log_type FROM logs WHERE id = OLD.log_id) IS NOT NULL
BEGIN
	SELECT RAISE(ABORT, 'LOG_IMMUTABLE');
END`,
	`CREATE TRIGGER log_values_check_delete
BEFORE DELETE ON log_values
WHEN (SELECT log_type FROM logs WHERE id = OLD.log_id) IS NOT NULL
BEGIN
	SELECT RAISE(ABORT, 'LOG_IMMUTABLE');
END`,
	`CREATE TRIGGER runs_check_status
BEFORE UPDATE OF status ON runs
WHEN OLD.status IN ('completed', 'canceled') AND NEW.status IS NOT OLD.status
BEGIN
	SELECT RAISE(ABORT, 'RUN_HAS_ENDED');
END`,
	// 同一实验下未取消的 run 名称唯一；NULL 名称互不冲突
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_active_name
ON runs (experiment_id, name) WHERE status <> 'canceled'`,
	`CREATE VIEW run_logs AS ` + runLogsSelect,
}

// mysql 没有部分索引，名称唯一由触发器保证；并发创建由 CreateRun 锁实验行串行化
var mysqlStatements = []string{
	`CREATE TRIGGER logs_check_insert BEFORE INSERT ON logs FOR EACH ROW
BEGIN
	IF NEW.number < (SELECT start_number FROM log_sequences WHERE id = NEW.sequence_id) THEN
		SIGNAL SQLSTATE '45000' SET MESSAGE_TEXT = 'INVALID_LOG_NUMBER';
	END IF;
	IF NOT EXISTS (
		SELECT 1 FROM runs JOIN log_sequences ON log_sequences.run_id = runs.id
		WHERE log_sequences.id = NEW.sequence_id AND runs.status = 'running'
	) THEN
		SIGNAL SQLSTATE '45000' SET MESSAGE_TEXT = 'RUN_NOT_RUNNING';
	END IF;
END`,
	`CREATE TRIGGER logs_check_update BEFORE UPDATE ON logs FOR EACH ROW
BEGIN
	IF OLD.canceled_by IS NOT NULL OR (OLD.log_type IS NOT NULL AND (
		NOT (NEW.log_type <=> OLD.log_type)
		OR NEW.number <> OLD.number
		OR NEW.sequence_id <> OLD.sequence_id
	)) THEN
		SIGNAL SQLSTATE '45000' SET MESSAGE_TEXT = 'LOG_IMMUTABLE';
	END IF;
END`,
	`CREATE TRIGGER logs_check_delete BEFORE DELETE ON logs FOR EACH ROW
BEGIN
	IF OLD.log_type IS NOT NULL OR OLD.canceled_by IS NOT NULL THEN
		SIGNAL SQLSTATE '45000' SET MESSAGE_TEXT = 'LOG_IMMUTABLE';
	END IF;
END`,
	`CREATE TRIGGER log_values_check_insert BEFORE INSERT ON log_values FOR EACH ROW
BEGIN
	IF EXISTS (
		SELECT 1 FROM logs WHERE id = NEW.log_id AND (log_type IS NOT NULL OR canceled_by IS NOT NULL)
	) THEN
		SIGNAL SQLSTATE '45000' SET MESSAGE_TEXT = 'LOG_IMMUTABLE';
	END IF;
END`,
	`CREATE TRIGGER log_values_check_update BEFORE UPDATE ON log_values FOR EACH ROW
BEGIN
	IF (SELECT log_type FROM logs WHERE id = OLD.log_id) IS NOT NULL THEN
		SIGNAL SQLSTATE '45000' SET MESSAGE_TEXT = 'LOG_IMMUTABLE';
	END IF;
END`,
	`CREATE TRIGGER log_values_check_delete BEFORE DELETE ON log_values FOR EACH ROW
BEGIN
	IF (SELECT log_type FROM logs WHERE id = OLD.log_id) IS NOT NULL THEN
		SIGNAL SQLSTATE '45000' SET MESSAGE_TEXT = 'LOG_IMMUTABLE';
	END IF;
END`,
	`CREATE TRIGGER runs_check_status BEFORE UPDATE ON runs FOR EACH ROW
BEGIN
	IF OLD.status IN ('completed', 'canceled') AND NEW.status <> OLD.status THEN
		SIGNAL SQLSTATE '45000' SET MESSAGE_TEXT = 'RUN_HAS_ENDED';
	END IF;
END`,
	`CREATE TRIGGER runs_check_name BEFORE INSERT ON runs FOR EACH ROW
BEGIN
	IF NEW.name IS NOT NULL AND NEW.status <> 'canceled' AND EXISTS (
		SELECT 1 FROM runs
		WHERE experiment_id = NEW.experiment_id AND name = NEW.name AND status <> 'canceled'
	) THEN
		SIGNAL SQLSTATE '45000' SET MESSAGE_TEXT = 'RUN_EXISTS';
	END IF;
END`,
	`CREATE VIEW run_logs AS ` + runLogsSelect,
}

const runLogsSelect = `SELECT
	logs.id AS log_id,
	log_sequences.run_id AS run_id,
	log_sequences.id AS sequence_id,
	log_sequences.number AS sequence_number,
	logs.number AS number,
	logs.log_type AS log_type
FROM logs
JOIN log_sequences ON log_sequences.id = logs.sequence_id
WHERE logs.canceled_by IS NULL`

// dropStatements 两种方言通用
func dropStatements() []string {
	stmts := make([]string, 0, len(triggerNames)+1)
	for _, name := range triggerNames {
		stmts = append(stmts, "DROP TRIGGER IF EXISTS "+name)
	}
	return append(stmts, "DROP VIEW IF EXISTS run_logs")
}

func schemaStatements(dialect string) ([]string, error) {
	switch dialect {
	case "sqlite":
		return sqliteStatements, nil
	case "mysql":
		return mysqlStatements, nil
	default:
		return nil, fmt.Errorf("不支持的数据库方言: %s", dialect)
	}
}
