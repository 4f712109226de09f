// 版权所有 2024 ProcFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 提供基于 GORM 的数据库连接与连接池管理。

# 核心类型

  - PoolManager：持有 GORM DB 实例与底层 sql.DB，提供 DB()、Ping()、
    Stats()、Close() 等生命周期方法。后台健康检查定时探活，
    并通过 StatsRecorder 上报打开/空闲连接数。
  - PoolConfig：最大空闲连接数、最大打开连接数、连接最大生命周期、
    空闲超时与健康检查间隔。

# 主要能力

  - Open/Dialector：按 config.DatabaseConfig 选择 postgres、mysql
    或纯 Go sqlite（glebarez）方言。journal 的 SQL 存储使用此连接。
  - PoolConfigFrom：将应用配置映射为连接池参数。
*/
package database
