package api

import "github.com/cuemby/formicaio/pkg/types"

// createNodeRequest is the wire shape for POST /nodes.
type createNodeRequest struct {
	Port        int    `json:"port"`
	MetricsPort int    `json:"metrics_port"`
	NodeIP      string `json:"node_ip"`
	RewardsAddr string `json:"rewards_addr"`
	HomeNetwork bool   `json:"home_network"`
	UPnP        bool   `json:"upnp"`
	ReachCheck  bool   `json:"reachability_check"`
	NodeLogs    bool   `json:"node_logs"`
	Network     string `json:"network"`
	Backend     string `json:"backend"`
}

func (r createNodeRequest) toNodeSpec() types.NodeSpec {
	return types.NodeSpec{
		Port:        r.Port,
		MetricsPort: r.MetricsPort,
		NodeIP:      r.NodeIP,
		RewardsAddr: r.RewardsAddr,
		HomeNetwork: r.HomeNetwork,
		UPnP:        r.UPnP,
		ReachCheck:  r.ReachCheck,
		NodeLogs:    r.NodeLogs,
		Network:     r.Network,
		Backend:     types.Backend(r.Backend),
	}
}

// settingsRequest is the wire shape for PUT /settings.
type settingsRequest struct {
	NodesAutoUpgrade             bool   `json:"nodes_auto_upgrade"`
	NodesAutoUpgradeDelaySecs    int    `json:"nodes_auto_upgrade_delay_secs"`
	NodeBinVersionPollingFreqSecs int   `json:"node_bin_version_polling_freq_secs"`
	RewardsBalancesFreqSecs      int    `json:"rewards_balances_retrieval_freq_secs"`
	NodesMetricsPollingFreqSecs  int    `json:"nodes_metrics_polling_freq_secs"`
	DisksUsageCheckFreqSecs      int    `json:"disks_usage_check_freq_secs"`
	AutonomousCheckIntervalSecs  int    `json:"autonomous_check_interval_secs"`
	L2RPCURL                     string `json:"l2_rpc_url"`
	TokenContractAddr            string `json:"token_contract_addr"`
	LCDEnabled                   bool   `json:"lcd_enabled"`
	LCDDevice                    string `json:"lcd_device"`
	LCDAddr                      string `json:"lcd_addr"`
	UIPageSize                   int    `json:"ui_page_size"`
	UIListMode                   string `json:"ui_list_mode"`
	MetricsMaxAgeSecs            int    `json:"metrics_max_age_secs"`
	MetricsMaxCount              int    `json:"metrics_max_count"`
}

func (r settingsRequest) toSettings() types.Settings {
	return types.Settings{
		NodesAutoUpgrade:              r.NodesAutoUpgrade,
		NodesAutoUpgradeDelaySecs:     r.NodesAutoUpgradeDelaySecs,
		NodeBinVersionPollingFreqSecs: r.NodeBinVersionPollingFreqSecs,
		RewardsBalancesFreqSecs:       r.RewardsBalancesFreqSecs,
		NodesMetricsPollingFreqSecs:   r.NodesMetricsPollingFreqSecs,
		DisksUsageCheckFreqSecs:       r.DisksUsageCheckFreqSecs,
		AutonomousCheckIntervalSecs:   r.AutonomousCheckIntervalSecs,
		L2RPCURL:                      r.L2RPCURL,
		TokenContractAddr:             r.TokenContractAddr,
		LCDEnabled:                    r.LCDEnabled,
		LCDDevice:                     r.LCDDevice,
		LCDAddr:                       r.LCDAddr,
		UIPageSize:                    r.UIPageSize,
		UIListMode:                    r.UIListMode,
		MetricsMaxAgeSecs:             r.MetricsMaxAgeSecs,
		MetricsMaxCount:               r.MetricsMaxCount,
	}
}
