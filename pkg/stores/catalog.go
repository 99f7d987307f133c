package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/logfleet/logfleet/pkg/lifecycle"
)

// CreateMachine creates a new machine record and sets its ID.
func (s *SQLiteStore) CreateMachine(ctx context.Context, m *lifecycle.Machine) error {
	if m.Port == 0 {
		m.Port = 22
	}
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO machines (name, host, port, username, password, private_key_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, m.Name, m.Host, m.Port, m.User, m.Password, m.PrivateKeyPath, now, now)
	if err != nil {
		return fmt.Errorf("failed to create machine: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get machine ID: %w", err)
	}
	m.ID = id
	return nil
}

// GetMachine retrieves a machine by ID
func (s *SQLiteStore) GetMachine(ctx context.Context, id int64) (*lifecycle.Machine, error) {
	m := &lifecycle.Machine{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, host, port, username, password, private_key_path
		FROM machines
		WHERE id = ?
	`, id).Scan(&m.ID, &m.Name, &m.Host, &m.Port, &m.User, &m.Password, &m.PrivateKeyPath)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("machine %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get machine: %w", err)
	}
	return m, nil
}

// ListMachines lists all machines ordered by name
func (s *SQLiteStore) ListMachines(ctx context.Context) ([]*lifecycle.Machine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, host, port, username, password, private_key_path
		FROM machines
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list machines: %w", err)
	}
	defer rows.Close()

	machines := []*lifecycle.Machine{}
	for rows.Next() {
		m := &lifecycle.Machine{}
		if err := rows.Scan(&m.ID, &m.Name, &m.Host, &m.Port, &m.User, &m.Password, &m.PrivateKeyPath); err != nil {
			return nil, fmt.Errorf("failed to scan machine: %w", err)
		}
		machines = append(machines, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating machines: %w", err)
	}
	return machines, nil
}

// CreateProcess creates a new process template and sets its ID.
func (s *SQLiteStore) CreateProcess(ctx context.Context, p *Process) error {
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO processes (name, main_config, jvm_options, system_options, package_path, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, p.Name, p.MainConfig, p.JvmOptions, p.SystemOptions, p.PackagePath, p.CreatedBy, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create process: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get process ID: %w", err)
	}
	p.ID = id
	return nil
}

const processColumns = `id, name, main_config, jvm_options, system_options, package_path, created_by, created_at, updated_at`

func scanProcess(row interface{ Scan(...any) error }) (*Process, error) {
	p := &Process{}
	err := row.Scan(&p.ID, &p.Name, &p.MainConfig, &p.JvmOptions, &p.SystemOptions,
		&p.PackagePath, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

// GetProcess retrieves a process template by ID
func (s *SQLiteStore) GetProcess(ctx context.Context, id int64) (*Process, error) {
	p, err := scanProcess(s.db.QueryRowContext(ctx, `SELECT `+processColumns+` FROM processes WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("process %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get process: %w", err)
	}
	return p, nil
}

// PackagePath returns the package archive of a process template.
func (s *SQLiteStore) PackagePath(ctx context.Context, processID int64) (string, error) {
	p, err := s.GetProcess(ctx, processID)
	if err != nil {
		return "", err
	}
	return p.PackagePath, nil
}

// ListProcesses lists all process templates ordered by name
func (s *SQLiteStore) ListProcesses(ctx context.Context) ([]*Process, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+processColumns+` FROM processes ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}
	defer rows.Close()

	processes := []*Process{}
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan process: %w", err)
		}
		processes = append(processes, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating processes: %w", err)
	}
	return processes, nil
}

const instanceColumns = `id, process_id, machine_id, deploy_path, main_config, jvm_options, system_options,
	runtime_handle, state, created_by, updated_by, created_at, updated_at`

func scanInstance(row interface{ Scan(...any) error }) (*lifecycle.Instance, error) {
	inst := &lifecycle.Instance{}
	err := row.Scan(
		&inst.ID,
		&inst.ProcessID,
		&inst.MachineID,
		&inst.DeployPath,
		&inst.MainConfig,
		&inst.JvmOptions,
		&inst.SystemOptions,
		&inst.RuntimeHandle,
		&inst.State,
		&inst.CreatedBy,
		&inst.UpdatedBy,
		&inst.CreatedAt,
		&inst.UpdatedAt,
	)
	return inst, err
}

// CreateInstance attaches a process template to a machine. An empty state is stored
// as INITIALIZING.
func (s *SQLiteStore) CreateInstance(ctx context.Context, inst *lifecycle.Instance) error {
	if inst.State == "" {
		inst.State = lifecycle.StateInitializing
	}
	if err := inst.State.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	inst.CreatedAt, inst.UpdatedAt = now, now
	if inst.UpdatedBy == "" {
		inst.UpdatedBy = inst.CreatedBy
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO instances (
			process_id, machine_id, deploy_path, main_config, jvm_options, system_options,
			runtime_handle, state, created_by, updated_by, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		inst.ProcessID,
		inst.MachineID,
		inst.DeployPath,
		inst.MainConfig,
		inst.JvmOptions,
		inst.SystemOptions,
		inst.RuntimeHandle,
		inst.State,
		inst.CreatedBy,
		inst.UpdatedBy,
		inst.CreatedAt,
		inst.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create instance of process %d on machine %d: %w", inst.ProcessID, inst.MachineID, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get instance ID: %w", err)
	}
	inst.ID = id
	return nil
}

// GetInstance retrieves an instance by ID
func (s *SQLiteStore) GetInstance(ctx context.Context, id int64) (*lifecycle.Instance, error) {
	inst, err := scanInstance(s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("instance %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	return inst, nil
}

// ListInstances lists instances, optionally only those of one process template.
func (s *SQLiteStore) ListInstances(ctx context.Context, processID *int64) ([]*lifecycle.Instance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+instanceColumns+`
		FROM instances
		WHERE (? IS NULL OR process_id = ?)
		ORDER BY id
	`, processID, processID)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	instances := []*lifecycle.Instance{}
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		instances = append(instances, inst)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating instances: %w", err)
	}
	return instances, nil
}

// UpdateInstanceState replaces the state. When clearRuntimeHandle is set the runtime
// handle is nulled in the same statement.
func (s *SQLiteStore) UpdateInstanceState(ctx context.Context, id int64, state lifecycle.State, clearRuntimeHandle bool) error {
	if err := state.Validate(); err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE instances
		SET state = ?,
		    runtime_handle = CASE WHEN ? THEN NULL ELSE runtime_handle END,
		    updated_at = ?
		WHERE id = ?
	`, state, clearRuntimeHandle, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update instance state: %w", err)
	}
	return expectOne(result, "instance", id)
}

// UpdateInstanceConfig overwrites the config blobs set in update.
func (s *SQLiteStore) UpdateInstanceConfig(ctx context.Context, id int64, update lifecycle.ConfigUpdate) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE instances
		SET main_config = COALESCE(?, main_config),
		    jvm_options = COALESCE(?, jvm_options),
		    system_options = COALESCE(?, system_options),
		    updated_at = ?
		WHERE id = ?
	`, update.MainConfig, update.JvmOptions, update.SystemOptions, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update instance config: %w", err)
	}
	return expectOne(result, "instance", id)
}

// SetRuntimeHandle records the remote process id of a running instance.
func (s *SQLiteStore) SetRuntimeHandle(ctx context.Context, id int64, handle string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE instances SET runtime_handle = ?, updated_at = ? WHERE id = ?
	`, handle, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set runtime handle: %w", err)
	}
	return expectOne(result, "instance", id)
}

// ClaimInstance marks op as running on the instance unless an unexpired claim is
// already held. The check and the write are one statement, so it holds across
// processes sharing the database.
func (s *SQLiteStore) ClaimInstance(ctx context.Context, id int64, op lifecycle.OperationType, token string, staleBefore time.Time) (lifecycle.OperationType, bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE instances
		SET active_operation = ?, active_token = ?, claimed_at = ?
		WHERE id = ? AND (active_token IS NULL OR claimed_at < ?)
	`, op, token, time.Now().UnixNano(), id, staleBefore.UnixNano())
	if err != nil {
		return "", false, fmt.Errorf("failed to claim instance: %w", err)
	}
	if err := expectOne(result, "instance", id); err == nil {
		return op, true, nil
	}

	var running sql.NullString
	err = s.db.QueryRowContext(ctx, `SELECT active_operation FROM instances WHERE id = ?`, id).Scan(&running)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, fmt.Errorf("instance %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read instance claim: %w", err)
	}
	return lifecycle.OperationType(running.String), false, nil
}

// ReleaseInstance drops the claim held under token.
func (s *SQLiteStore) ReleaseInstance(ctx context.Context, id int64, token string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE instances
		SET active_operation = NULL, active_token = NULL, claimed_at = NULL
		WHERE id = ? AND active_token = ?
	`, id, token)
	if err != nil {
		return fmt.Errorf("failed to release instance claim: %w", err)
	}
	return nil
}

// DeleteInstance deletes an instance by ID
func (s *SQLiteStore) DeleteInstance(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete instance: %w", err)
	}
	return expectOne(result, "instance", id)
}
